// Package protocol defines the envelope and payloads exchanged over the
// push channel. Both the client connection manager and the relay speak
// this shape.
package protocol

import (
	"encoding/json"
	"time"

	"circlesync/internal/domain/entity"
)

// Event names carried in Envelope.Type.
const (
	EventNewMessage     = "new-message"
	EventMessageUpdated = "message-updated"
	EventTyping         = "typing"
	EventSendMessage    = "send-message"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventError          = "error"
)

// Envelope is the framing for every push-channel event.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope marshals payload into a stamped envelope.
func NewEnvelope(eventType, chatID string, payload interface{}) (Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		data = b
	}
	return Envelope{
		Type:      eventType,
		Data:      data,
		ChatID:    chatID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// SendMessagePayload is what a client submits over the channel. The relay
// assigns the authoritative id and echoes TempID back on the broadcast.
type SendMessagePayload struct {
	TempID         string                 `json:"temp_id"`
	ChatID         string                 `json:"chat_id"`
	Body           string                 `json:"body"`
	Kind           entity.MessageKind     `json:"kind"`
	AttachmentMeta *entity.AttachmentMeta `json:"attachment_meta,omitempty"`
}

// MessagePayload is the broadcast form of a stored message. It embeds the
// entity directly so new-message and message-updated share one decode path.
type MessagePayload = entity.Message

// TypingPayload signals a participant starting or stopping typing.
type TypingPayload struct {
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// RoomPayload addresses join/leave to one conversation.
type RoomPayload struct {
	ChatID string `json:"chat_id"`
}

// ErrorPayload is sent to a client that submitted something the relay
// could not process.
type ErrorPayload struct {
	Error string `json:"error"`
}
