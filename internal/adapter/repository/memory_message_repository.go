package repository

import (
	"context"
	"sort"
	"sync"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/pkg/errors"
)

// MemoryMessageRepository is the relay's message store. Persistence
// proper is an external concern; the reference relay keeps everything in
// process memory.
type MemoryMessageRepository struct {
	mu     sync.RWMutex
	byID   map[string]*entity.Message
	byChat map[string][]string
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byID:   make(map[string]*entity.Message),
		byChat: make(map[string][]string),
	}
}

var _ repository.MessageRepository = (*MemoryMessageRepository)(nil)

func (r *MemoryMessageRepository) Create(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[message.ID]; exists {
		return errors.Conflict("message " + message.ID + " already exists")
	}
	copied := *message
	r.byID[copied.ID] = &copied
	r.byChat[copied.ChatID] = append(r.byChat[copied.ChatID], copied.ID)
	return nil
}

func (r *MemoryMessageRepository) Update(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[message.ID]; !exists {
		return errors.NotFound("message", nil)
	}
	copied := *message
	r.byID[copied.ID] = &copied
	return nil
}

func (r *MemoryMessageRepository) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	message, exists := r.byID[id]
	if !exists {
		return nil, errors.NotFound("message", nil)
	}
	copied := *message
	return &copied, nil
}

// ListByChat returns a page ordered newest first by creation time.
func (r *MemoryMessageRepository) ListByChat(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, int64, error) {
	r.mu.RLock()
	ids := r.byChat[chatID]
	all := make([]*entity.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.byID[id]; ok {
			copied := *m
			all = append(all, &copied)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return []*entity.Message{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *MemoryMessageRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	message, exists := r.byID[id]
	if !exists {
		return errors.NotFound("message", nil)
	}
	delete(r.byID, id)
	ids := r.byChat[message.ChatID]
	for i, mid := range ids {
		if mid == id {
			r.byChat[message.ChatID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
