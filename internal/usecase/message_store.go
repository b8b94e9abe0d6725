package usecase

import (
	"sync"

	"circlesync/internal/domain/entity"
	"circlesync/pkg/errors"
)

// MessageStore holds the ordered message list for one conversation.
// Entries keep their insertion position across upserts so the rendered
// list never jumps under the user.
type MessageStore struct {
	mu       sync.Mutex
	chatID   string
	entries  []*entity.Message
	index    map[string]int
	onChange func()
}

func NewMessageStore(chatID string) *MessageStore {
	return &MessageStore{
		chatID: chatID,
		index:  make(map[string]int),
	}
}

// SetOnChange registers a hook invoked after every mutation, outside the
// store lock. The UI layer uses it to re-render.
func (s *MessageStore) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Append inserts a new message at the tail. A duplicate id is an error;
// use Upsert for records that may already exist.
func (s *MessageStore) Append(message *entity.Message) error {
	s.mu.Lock()
	if _, exists := s.index[message.ID]; exists {
		s.mu.Unlock()
		return errors.Conflict("message " + message.ID + " already in store")
	}
	copied := *message
	s.index[copied.ID] = len(s.entries)
	s.entries = append(s.entries, &copied)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Upsert inserts the message if absent, otherwise merges the non-zero
// fields of the incoming record into the existing entry in place. The
// entry's list position never changes. Applying the same record twice is
// a no-op the second time.
func (s *MessageStore) Upsert(message *entity.Message) {
	s.mu.Lock()
	pos, exists := s.index[message.ID]
	if !exists {
		copied := *message
		s.index[copied.ID] = len(s.entries)
		s.entries = append(s.entries, &copied)
	} else {
		mergeMessage(s.entries[pos], message)
	}
	s.mu.Unlock()

	s.notify()
}

// ReconcileOptimistic collapses a locally produced optimistic entry with
// the server-confirmed record: the confirmed message takes the optimistic
// entry's position and its id replaces the temporary one. When the
// optimistic id is unknown (already reconciled, or never created) the
// confirmed record is upserted instead, so duplicate echoes stay
// idempotent.
func (s *MessageStore) ReconcileOptimistic(optimisticID string, confirmed *entity.Message) {
	s.mu.Lock()
	pos, exists := s.index[optimisticID]
	if !exists {
		s.mu.Unlock()
		s.Upsert(confirmed)
		return
	}
	if _, dup := s.index[confirmed.ID]; dup && confirmed.ID != optimisticID {
		// Confirmed record already arrived through another path; drop the
		// optimistic leftover instead of keeping both.
		s.removeAtLocked(pos)
		s.mu.Unlock()
		s.Upsert(confirmed)
		return
	}

	merged := *s.entries[pos]
	mergeMessage(&merged, confirmed)
	merged.ID = confirmed.ID
	delete(s.index, optimisticID)
	s.index[merged.ID] = pos
	s.entries[pos] = &merged
	s.mu.Unlock()

	s.notify()
}

// UpdateStatus transitions a message's status. Unknown ids are silently
// ignored: the message may be outside the loaded window.
func (s *MessageStore) UpdateStatus(id string, status entity.MessageStatus) {
	s.mu.Lock()
	pos, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	s.entries[pos].Status = status
	s.mu.Unlock()

	s.notify()
}

// MarkAttachmentFailed flags a message whose binary upload failed while
// the text portion persisted.
func (s *MessageStore) MarkAttachmentFailed(id string) {
	s.mu.Lock()
	pos, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	s.entries[pos].AttachmentFailed = true
	s.mu.Unlock()

	s.notify()
}

// Remove deletes a message from the list. Used only for explicit user
// deletes; unknown ids are ignored.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	pos, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	s.removeAtLocked(pos)
	s.mu.Unlock()

	s.notify()
}

func (s *MessageStore) removeAtLocked(pos int) {
	delete(s.index, s.entries[pos].ID)
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	for i := pos; i < len(s.entries); i++ {
		s.index[s.entries[i].ID] = i
	}
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (*entity.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, exists := s.index[id]
	if !exists {
		return nil, false
	}
	copied := *s.entries[pos]
	return &copied, true
}

// List returns a copy of the ordered message sequence, safe to iterate
// while mutations continue.
func (s *MessageStore) List() []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Message, len(s.entries))
	for i, m := range s.entries {
		copied := *m
		out[i] = &copied
	}
	return out
}

// Len reports the number of messages currently held.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// mergeMessage copies the non-zero fields of src over dst. Incoming
// values win; absent fields leave the existing value alone.
func mergeMessage(dst, src *entity.Message) {
	if src.ChatID != "" {
		dst.ChatID = src.ChatID
	}
	if src.SenderID != "" {
		dst.SenderID = src.SenderID
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.TempID != "" {
		dst.TempID = src.TempID
	}
	if src.AttachmentMeta != nil {
		meta := *src.AttachmentMeta
		dst.AttachmentMeta = &meta
	}
	if src.AttachmentFailed {
		dst.AttachmentFailed = true
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
}
