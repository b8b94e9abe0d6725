package repository

import (
	"context"
	"io"

	"circlesync/internal/domain/entity"
)

// CreateMessageInput is the request/response fallback create call.
type CreateMessageInput struct {
	TempID         string
	Body           string
	Kind           entity.MessageKind
	AttachmentMeta *entity.AttachmentMeta
}

// MessageService is the remote message store as seen by the client core:
// the fallback create path, the two-phase attachment upload, history for
// catch-up fetches, and best-effort delete.
type MessageService interface {
	CreateMessage(ctx context.Context, chatID string, input CreateMessageInput) (*entity.Message, error)
	UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*entity.Message, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// MessageRepository is the relay-side store.
type MessageRepository interface {
	Create(ctx context.Context, message *entity.Message) error
	Update(ctx context.Context, message *entity.Message) error
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	ListByChat(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, int64, error)
	Delete(ctx context.Context, id string) error
}
