package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	ws "circlesync/internal/infrastructure/websocket"
	"circlesync/internal/protocol"
	"circlesync/pkg/errors"
	"circlesync/pkg/logger"
)

// Typing indicators broadcast by the relay carry this expiry hint.
const typingBroadcastExpiry = 5 * time.Second

// RelayUseCase is the authoritative side of message sync: it assigns ids
// and timestamps, persists messages, stores attachment binaries and
// broadcasts events to conversation rooms. Registered circles gate room
// membership; an unregistered conversation id is an open room.
type RelayUseCase struct {
	messageRepo repository.MessageRepository
	chatRepo    repository.ChatRepository
	wsManager   *ws.Manager

	blobMu sync.RWMutex
	blobs  map[string]attachmentBlob
}

type attachmentBlob struct {
	fileName string
	data     []byte
}

func NewRelayUseCase(messageRepo repository.MessageRepository, chatRepo repository.ChatRepository, wsManager *ws.Manager) *RelayUseCase {
	uc := &RelayUseCase{
		messageRepo: messageRepo,
		chatRepo:    chatRepo,
		wsManager:   wsManager,
		blobs:       make(map[string]attachmentBlob),
	}
	wsManager.SetHandler(uc.HandleEnvelope)
	return uc
}

// HandleEnvelope dispatches one inbound client envelope.
func (uc *RelayUseCase) HandleEnvelope(client *ws.Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.EventSendMessage:
		uc.handleSendMessage(client, env)
	case protocol.EventTyping:
		uc.handleTyping(client, env)
	case protocol.EventJoin:
		uc.handleJoin(client, uc.roomID(env))
	case protocol.EventLeave:
		uc.wsManager.LeaveRoom(uc.roomID(env), client)
	default:
		logger.Warn("relay: unknown event type %q from %s", env.Type, client.UserID)
		uc.wsManager.SendError(client, "unknown event type")
	}
}

// handleJoin admits the client to the room. For a registered circle only
// participants get in; an unregistered id is an open room.
func (uc *RelayUseCase) handleJoin(client *ws.Client, chatID string) {
	if chatID == "" {
		uc.wsManager.SendError(client, "missing chat id")
		return
	}

	chat, err := uc.chatRepo.GetByID(context.Background(), chatID)
	if err == nil && !chat.HasParticipant(client.UserID) {
		logger.Warn("relay: %s denied join to chat %s", client.UserID, chatID)
		uc.wsManager.SendError(client, "not a participant of this chat")
		return
	}

	uc.wsManager.JoinRoom(chatID, client)
}

func (uc *RelayUseCase) roomID(env protocol.Envelope) string {
	if env.ChatID != "" {
		return env.ChatID
	}
	var p protocol.RoomPayload
	json.Unmarshal(env.Data, &p)
	return p.ChatID
}

func (uc *RelayUseCase) handleSendMessage(client *ws.Client, env protocol.Envelope) {
	var p protocol.SendMessagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		uc.wsManager.SendError(client, "invalid send-message payload")
		return
	}
	if p.ChatID == "" {
		p.ChatID = env.ChatID
	}
	if p.ChatID == "" || (p.Body == "" && p.AttachmentMeta == nil) {
		uc.wsManager.SendError(client, "missing required fields")
		return
	}

	if _, err := uc.CreateMessage(context.Background(), client.UserID, p.ChatID, repository.CreateMessageInput{
		TempID:         p.TempID,
		Body:           p.Body,
		Kind:           p.Kind,
		AttachmentMeta: p.AttachmentMeta,
	}); err != nil {
		logger.Error("relay: failed to store message from %s: %v", client.UserID, err)
		uc.wsManager.SendError(client, "failed to store message")
	}
}

func (uc *RelayUseCase) handleTyping(client *ws.Client, env protocol.Envelope) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		uc.wsManager.SendError(client, "invalid typing payload")
		return
	}
	if p.ChatID == "" {
		p.ChatID = env.ChatID
	}
	p.UserID = client.UserID
	if p.Typing {
		p.ExpiresAt = time.Now().Add(typingBroadcastExpiry).UTC().Format(time.RFC3339)
	}

	out, err := protocol.NewEnvelope(protocol.EventTyping, p.ChatID, p)
	if err != nil {
		return
	}
	uc.wsManager.BroadcastToRoomExcept(p.ChatID, client, out)
}

// CreateMessage assigns the authoritative id and timestamp, persists the
// record and broadcasts it to the room, sender included. The client's
// temp id rides along so the sender can collapse its optimistic entry.
func (uc *RelayUseCase) CreateMessage(ctx context.Context, senderID, chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err == nil && !chat.HasParticipant(senderID) {
		return nil, errors.Forbidden("not a participant of this chat", nil)
	}

	kind := input.Kind
	if kind == "" {
		kind = entity.KindText
	}

	message := &entity.Message{
		ID:             uuid.NewString(),
		TempID:         input.TempID,
		ChatID:         chatID,
		SenderID:       senderID,
		Body:           input.Body,
		Kind:           kind,
		Status:         entity.StatusSent,
		AttachmentMeta: input.AttachmentMeta,
		CreatedAt:      time.Now().UTC(),
	}

	if err := uc.messageRepo.Create(ctx, message); err != nil {
		return nil, errors.Internal("failed to store message", err)
	}
	if chat != nil {
		if err := uc.chatRepo.TouchActivity(ctx, chatID, message.CreatedAt); err != nil {
			logger.Warn("relay: failed to touch activity for chat %s: %v", chatID, err)
		}
	}

	env, err := protocol.NewEnvelope(protocol.EventNewMessage, chatID, message)
	if err != nil {
		return nil, errors.Internal("failed to encode broadcast", err)
	}
	uc.wsManager.BroadcastToRoom(chatID, env)

	logger.Info("relay: message %s stored for chat %s (sender %s)", message.ID, chatID, senderID)
	return message, nil
}

// UploadAttachment is the second phase of an attachment commit: the
// binary lands against an existing message id, the message metadata is
// patched and the patched record is broadcast as message-updated.
func (uc *RelayUseCase) UploadAttachment(ctx context.Context, messageID, fileName string, data []byte) (*entity.Message, error) {
	message, err := uc.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, errors.NotFound("message", err)
	}

	uc.blobMu.Lock()
	uc.blobs[messageID] = attachmentBlob{fileName: fileName, data: data}
	uc.blobMu.Unlock()

	if message.AttachmentMeta == nil {
		message.AttachmentMeta = &entity.AttachmentMeta{}
	}
	message.AttachmentMeta.URL = "/v1/messages/" + messageID + "/attachment"
	message.AttachmentMeta.FileName = fileName
	message.AttachmentMeta.FileSize = int64(len(data))

	if err := uc.messageRepo.Update(ctx, message); err != nil {
		return nil, errors.Internal("failed to update message", err)
	}

	env, err := protocol.NewEnvelope(protocol.EventMessageUpdated, message.ChatID, message)
	if err != nil {
		return nil, errors.Internal("failed to encode broadcast", err)
	}
	uc.wsManager.BroadcastToRoom(message.ChatID, env)

	logger.Info("relay: attachment stored for message %s (%d bytes)", messageID, len(data))
	return message, nil
}

// GetAttachment returns a stored binary.
func (uc *RelayUseCase) GetAttachment(messageID string) (string, []byte, bool) {
	uc.blobMu.RLock()
	blob, ok := uc.blobs[messageID]
	uc.blobMu.RUnlock()
	return blob.fileName, blob.data, ok
}

// ListMessages returns a page of history for catch-up fetches, newest
// first so a bounded limit covers the most recent window.
func (uc *RelayUseCase) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultCatchUpLimit
	}
	if offset < 0 {
		offset = 0
	}
	return uc.messageRepo.ListByChat(ctx, chatID, limit, offset)
}

// CreateChat registers a circle. The creator is always a participant;
// direct chats are pinned to exactly two members.
func (uc *RelayUseCase) CreateChat(ctx context.Context, creatorID string, kind entity.ChatKind, participants []string) (*entity.Chat, error) {
	if kind == "" {
		kind = entity.ChatGroup
	}

	members := append([]string(nil), participants...)
	found := false
	for _, p := range members {
		if p == creatorID {
			found = true
			break
		}
	}
	if !found {
		members = append(members, creatorID)
	}
	if kind == entity.ChatDirect && len(members) != 2 {
		return nil, errors.BadRequest("direct chats have exactly two participants", nil)
	}

	chat := &entity.Chat{
		ID:             uuid.NewString(),
		Kind:           kind,
		Participants:   members,
		LastActivityAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := uc.chatRepo.Create(ctx, chat); err != nil {
		return nil, errors.Internal("failed to store chat", err)
	}

	logger.Info("relay: chat %s registered (%s, %d participants)", chat.ID, chat.Kind, len(chat.Participants))
	return chat, nil
}

// GetChat returns a registered circle, participants only.
func (uc *RelayUseCase) GetChat(ctx context.Context, userID, chatID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, errors.Forbidden("not a participant of this chat", nil)
	}
	return chat, nil
}

// DeleteMessage removes the message and its blob. Best-effort from the
// client's point of view.
func (uc *RelayUseCase) DeleteMessage(ctx context.Context, messageID string) error {
	uc.blobMu.Lock()
	delete(uc.blobs, messageID)
	uc.blobMu.Unlock()
	return uc.messageRepo.Delete(ctx, messageID)
}
