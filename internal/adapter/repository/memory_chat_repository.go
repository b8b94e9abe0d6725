package repository

import (
	"context"
	"sync"
	"time"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/pkg/errors"
)

// MemoryChatRepository is the relay's circle registry.
type MemoryChatRepository struct {
	mu   sync.RWMutex
	byID map[string]*entity.Chat
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		byID: make(map[string]*entity.Chat),
	}
}

var _ repository.ChatRepository = (*MemoryChatRepository)(nil)

func (r *MemoryChatRepository) Create(ctx context.Context, chat *entity.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[chat.ID]; exists {
		return errors.Conflict("chat " + chat.ID + " already exists")
	}
	copied := *chat
	copied.Participants = append([]string(nil), chat.Participants...)
	r.byID[copied.ID] = &copied
	return nil
}

func (r *MemoryChatRepository) GetByID(ctx context.Context, id string) (*entity.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chat, exists := r.byID[id]
	if !exists {
		return nil, errors.NotFound("chat", nil)
	}
	copied := *chat
	copied.Participants = append([]string(nil), chat.Participants...)
	return &copied, nil
}

func (r *MemoryChatRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chat, exists := r.byID[id]
	if !exists {
		return errors.NotFound("chat", nil)
	}
	chat.LastActivityAt = at
	return nil
}
