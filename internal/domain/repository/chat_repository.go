package repository

import (
	"context"
	"time"

	"circlesync/internal/domain/entity"
)

// ChatRepository is the relay-side circle registry. Conversations whose
// id is not registered are treated as open rooms.
type ChatRepository interface {
	Create(ctx context.Context, chat *entity.Chat) error
	GetByID(ctx context.Context, id string) (*entity.Chat, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
}
