package entity

import "time"

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindFile     MessageKind = "file"
	KindAudio    MessageKind = "audio"
	KindLocation MessageKind = "location"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// AttachmentMeta carries the kind-dependent attachment fields. Only the
// fields relevant to the message kind are populated.
type AttachmentMeta struct {
	URL             string  `json:"url,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FileName        string  `json:"file_name,omitempty"`
	FileSize        int64   `json:"file_size,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	Address         string  `json:"address,omitempty"`
}

type Message struct {
	ID             string          `json:"id"`
	TempID         string          `json:"temp_id,omitempty"` // client idempotency token, echoed by the server
	ChatID         string          `json:"chat_id"`
	SenderID       string          `json:"sender_id"`
	Body           string          `json:"body"`
	Kind           MessageKind     `json:"kind"`
	Status         MessageStatus   `json:"status"`
	AttachmentMeta *AttachmentMeta `json:"attachment_meta,omitempty"`
	// AttachmentFailed marks a message whose text portion persisted but
	// whose binary upload did not. Never set by the server.
	AttachmentFailed bool      `json:"attachment_failed,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasAttachment reports whether the message carries (or is supposed to
// carry) a binary payload beyond plain text.
func (m *Message) HasAttachment() bool {
	return m.Kind != "" && m.Kind != KindText
}
