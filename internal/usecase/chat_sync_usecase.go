package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/internal/infrastructure/push"
	"circlesync/internal/protocol"
	"circlesync/pkg/logger"
)

const (
	defaultRequestTimeout = 12 * time.Second
	defaultCatchUpLimit   = 50
)

// PushChannel is the slice of the connection manager the sync core uses.
// Satisfied by *push.Connection; tests substitute a fake.
type PushChannel interface {
	State() push.State
	JoinConversation(id string)
	LeaveConversation(id string)
	Emit(event, chatID string, payload interface{}) bool
	On(event string, h push.Handler) int
	Off(event string, id int)
	OnStateChange(h push.StateHandler) int
	OffStateChange(id int)
}

// Attachment is a binary the user picked for a message. The binary is
// never sent inline with the create call; it is uploaded in a second
// phase once the authoritative message id is known.
type Attachment struct {
	Kind     entity.MessageKind
	FileName string
	Data     []byte
	Meta     *entity.AttachmentMeta
}

// SendInput is one compose action: text, an attachment, or both.
type SendInput struct {
	Text       string
	Attachment *Attachment
}

// Options tunes the sync core. Zero values select defaults.
type Options struct {
	RequestTimeout time.Duration
	CatchUpLimit   int
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
}

type conversation struct {
	store  *MessageStore
	typing *TypingCoordinator
	active bool
}

// ChatSyncUseCase keeps the local view of every open conversation
// consistent: optimistic sends, reconciliation of server echoes,
// two-phase attachment commits, typing relay and reconnect recovery.
type ChatSyncUseCase struct {
	channel PushChannel
	svc     repository.MessageService
	selfID  string
	opts    Options

	mu             sync.Mutex
	convs          map[string]*conversation
	pendingUploads map[string]*Attachment
	closed         bool

	newMsgSub  int
	updatedSub int
	typingSub  int
	stateSub   int
}

func NewChatSyncUseCase(channel PushChannel, svc repository.MessageService, selfID string, opts Options) *ChatSyncUseCase {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.CatchUpLimit <= 0 {
		opts.CatchUpLimit = defaultCatchUpLimit
	}

	uc := &ChatSyncUseCase{
		channel:        channel,
		svc:            svc,
		selfID:         selfID,
		opts:           opts,
		convs:          make(map[string]*conversation),
		pendingUploads: make(map[string]*Attachment),
	}

	uc.newMsgSub = channel.On(protocol.EventNewMessage, uc.handleNewMessage)
	uc.updatedSub = channel.On(protocol.EventMessageUpdated, uc.handleMessageUpdated)
	uc.typingSub = channel.On(protocol.EventTyping, uc.handleTyping)
	uc.stateSub = channel.OnStateChange(uc.handleStateChange)

	return uc
}

// Close unsubscribes from the channel and cancels per-conversation
// timers. In-flight uploads keep running and reconcile into the stores.
func (uc *ChatSyncUseCase) Close() {
	uc.channel.Off(protocol.EventNewMessage, uc.newMsgSub)
	uc.channel.Off(protocol.EventMessageUpdated, uc.updatedSub)
	uc.channel.Off(protocol.EventTyping, uc.typingSub)
	uc.channel.OffStateChange(uc.stateSub)

	uc.mu.Lock()
	uc.closed = true
	convs := make([]*conversation, 0, len(uc.convs))
	for _, c := range uc.convs {
		convs = append(convs, c)
	}
	uc.mu.Unlock()

	for _, c := range convs {
		c.typing.Close()
	}
}

// ensureConversation returns the per-conversation state, creating it when
// first touched. Late events for conversations whose screen is already
// gone still land in a valid store.
func (uc *ChatSyncUseCase) ensureConversation(chatID string) *conversation {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if c, ok := uc.convs[chatID]; ok {
		return c
	}
	c := &conversation{
		store: NewMessageStore(chatID),
	}
	c.typing = NewTypingCoordinator(chatID, uc.selfID, uc.typingEmitter(chatID), uc.opts.TypingIdle, uc.opts.TypingExpiry)
	uc.convs[chatID] = c
	return c
}

func (uc *ChatSyncUseCase) typingEmitter(chatID string) func(bool) {
	return func(typing bool) {
		uc.channel.Emit(protocol.EventTyping, chatID, protocol.TypingPayload{
			ChatID: chatID,
			UserID: uc.selfID,
			Typing: typing,
		})
	}
}

// OpenConversation joins the room and runs the initial history fetch.
// Call on mounting a conversation view.
func (uc *ChatSyncUseCase) OpenConversation(ctx context.Context, chatID string) error {
	conv := uc.ensureConversation(chatID)

	uc.mu.Lock()
	conv.active = true
	uc.mu.Unlock()

	uc.channel.JoinConversation(chatID)
	return uc.catchUp(ctx, chatID)
}

// CloseConversation leaves the room and cancels the conversation's typing
// timers. The store stays addressable so in-flight sends and uploads
// still reconcile; call on unmounting the view.
func (uc *ChatSyncUseCase) CloseConversation(chatID string) {
	uc.mu.Lock()
	conv, ok := uc.convs[chatID]
	if ok {
		conv.active = false
	}
	uc.mu.Unlock()
	if !ok {
		return
	}

	conv.typing.NotifyLocalStopped()
	uc.channel.LeaveConversation(chatID)
}

// SendMessage runs the optimistic send pipeline. It returns the
// optimistic id immediately; delivery progress is observable through the
// store. An empty compose action is a no-op and returns "".
func (uc *ChatSyncUseCase) SendMessage(ctx context.Context, chatID string, input SendInput) string {
	if input.Text == "" && input.Attachment == nil {
		return ""
	}

	conv := uc.ensureConversation(chatID)

	kind := entity.KindText
	var meta *entity.AttachmentMeta
	if input.Attachment != nil {
		kind = input.Attachment.Kind
		meta = input.Attachment.Meta
	}

	tempID := "local-" + uuid.NewString()
	optimistic := &entity.Message{
		ID:             tempID,
		TempID:         tempID,
		ChatID:         chatID,
		SenderID:       uc.selfID,
		Body:           input.Text,
		Kind:           kind,
		Status:         entity.StatusSending,
		AttachmentMeta: meta,
		CreatedAt:      time.Now(),
	}
	if err := conv.store.Append(optimistic); err != nil {
		// uuid collision is not a thing in practice; log and move on.
		logger.Error("sync: optimistic insert failed for %s: %v", tempID, err)
		return ""
	}

	if input.Attachment != nil {
		uc.mu.Lock()
		uc.pendingUploads[tempID] = input.Attachment
		uc.mu.Unlock()
	}

	conv.typing.NotifyLocalStopped()

	if uc.channel.State() == push.StateConnected {
		accepted := uc.channel.Emit(protocol.EventSendMessage, chatID, protocol.SendMessagePayload{
			TempID:         tempID,
			ChatID:         chatID,
			Body:           input.Text,
			Kind:           kind,
			AttachmentMeta: meta,
		})
		if accepted {
			// The relay broadcasts the confirmed record back to the room,
			// sender included; reconciliation happens on that echo.
			return tempID
		}
		// The connection died between the state read and the enqueue, or
		// the write buffer is saturated. Either way the event is gone.
	}

	go uc.sendFallback(chatID, tempID, input, kind, meta)
	return tempID
}

// sendFallback is the request/response create path used while the push
// channel is down. No broadcast echo will arrive, so the response body is
// reconciled directly.
func (uc *ChatSyncUseCase) sendFallback(chatID, tempID string, input SendInput, kind entity.MessageKind, meta *entity.AttachmentMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), uc.opts.RequestTimeout)
	defer cancel()

	conv := uc.ensureConversation(chatID)

	confirmed, err := uc.svc.CreateMessage(ctx, chatID, repository.CreateMessageInput{
		TempID:         tempID,
		Body:           input.Text,
		Kind:           kind,
		AttachmentMeta: meta,
	})
	if err != nil {
		logger.Warn("sync: fallback create failed for %s: %v", tempID, err)
		uc.mu.Lock()
		delete(uc.pendingUploads, tempID)
		uc.mu.Unlock()
		conv.store.UpdateStatus(tempID, entity.StatusFailed)
		return
	}

	if confirmed.Status == "" {
		confirmed.Status = entity.StatusSent
	}
	uc.reconcile(conv, tempID, confirmed)
}

// reconcile collapses an optimistic entry with its confirmed record and
// kicks off the second phase of an attachment commit if one is pending.
func (uc *ChatSyncUseCase) reconcile(conv *conversation, tempID string, confirmed *entity.Message) {
	conv.store.ReconcileOptimistic(tempID, confirmed)

	uc.mu.Lock()
	attachment, ok := uc.pendingUploads[tempID]
	if ok {
		delete(uc.pendingUploads, tempID)
	}
	uc.mu.Unlock()

	if ok {
		// Uploads for different messages are independent; each gets its
		// own goroutine and is never cancelled by leaving the view.
		go uc.uploadAttachment(conv, confirmed.ID, attachment)
	}
}

func (uc *ChatSyncUseCase) uploadAttachment(conv *conversation, messageID string, attachment *Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), uc.opts.RequestTimeout)
	defer cancel()

	patched, err := uc.svc.UploadAttachment(ctx, messageID, attachment.FileName, bytes.NewReader(attachment.Data))
	if err != nil {
		// The text portion already persisted; only the attachment is
		// flagged. Retry is an explicit user action.
		logger.Warn("sync: attachment upload failed for %s: %v", messageID, err)
		conv.store.MarkAttachmentFailed(messageID)
		return
	}
	if patched != nil {
		conv.store.Upsert(patched)
	}
}

// DeleteMessage removes the message locally and issues a best-effort
// remote delete that the caller does not wait for.
func (uc *ChatSyncUseCase) DeleteMessage(chatID, messageID string) {
	conv := uc.ensureConversation(chatID)
	conv.store.Remove(messageID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uc.opts.RequestTimeout)
		defer cancel()
		if err := uc.svc.DeleteMessage(ctx, messageID); err != nil {
			logger.Warn("sync: remote delete failed for %s: %v", messageID, err)
		}
	}()
}

// NotifyTyping forwards a local input change to the conversation's
// typing coordinator.
func (uc *ChatSyncUseCase) NotifyTyping(chatID string) {
	uc.ensureConversation(chatID).typing.NotifyLocalTyping()
}

// Messages returns the ordered message list for rendering.
func (uc *ChatSyncUseCase) Messages(chatID string) []*entity.Message {
	return uc.ensureConversation(chatID).store.List()
}

// TypingUsers returns the remote participants currently typing.
func (uc *ChatSyncUseCase) TypingUsers(chatID string) []string {
	return uc.ensureConversation(chatID).typing.TypingUsers()
}

// SetOnChange registers a re-render hook covering both message list and
// typing set mutations for one conversation.
func (uc *ChatSyncUseCase) SetOnChange(chatID string, fn func()) {
	conv := uc.ensureConversation(chatID)
	conv.store.SetOnChange(fn)
	conv.typing.SetOnChange(fn)
}

// ConnectionState exposes the channel state to the UI layer.
func (uc *ChatSyncUseCase) ConnectionState() push.State {
	return uc.channel.State()
}

func (uc *ChatSyncUseCase) handleNewMessage(env protocol.Envelope) {
	var msg entity.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		logger.Warn("sync: malformed new-message payload: %v", err)
		return
	}
	if msg.ChatID == "" {
		msg.ChatID = env.ChatID
	}
	conv := uc.ensureConversation(msg.ChatID)

	// The relay echoes our temp id back on our own sends; that token, not
	// content proximity, decides whether this is the echo of a local
	// optimistic entry or an independent message.
	if msg.SenderID == uc.selfID && msg.TempID != "" {
		if _, pending := conv.store.Get(msg.TempID); pending {
			uc.reconcile(conv, msg.TempID, &msg)
			return
		}
	}

	conv.store.Upsert(&msg)
}

func (uc *ChatSyncUseCase) handleMessageUpdated(env protocol.Envelope) {
	var msg entity.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		logger.Warn("sync: malformed message-updated payload: %v", err)
		return
	}
	if msg.ChatID == "" {
		msg.ChatID = env.ChatID
	}
	uc.ensureConversation(msg.ChatID).store.Upsert(&msg)
}

func (uc *ChatSyncUseCase) handleTyping(env protocol.Envelope) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		logger.Warn("sync: malformed typing payload: %v", err)
		return
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = env.ChatID
	}
	uc.ensureConversation(chatID).typing.OnRemoteTyping(p.UserID, p.Typing)
}

// handleStateChange runs the reconnect recovery: the connection replays
// room joins itself, and every active conversation gets a catch-up fetch
// so messages sent by others while disconnected are not dropped. Sends
// still optimistic after the fetch were emitted onto the dead connection
// and never reached the relay; they are marked failed so the user can
// see and retry them.
func (uc *ChatSyncUseCase) handleStateChange(state push.State) {
	if state != push.StateConnected {
		return
	}
	cutoff := time.Now()

	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return
	}
	active := make([]string, 0, len(uc.convs))
	for id, c := range uc.convs {
		if c.active {
			active = append(active, id)
		}
	}
	uc.mu.Unlock()

	for _, chatID := range active {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), uc.opts.RequestTimeout)
			defer cancel()
			if err := uc.catchUp(ctx, id); err != nil {
				logger.Warn("sync: catch-up fetch failed for %s: %v", id, err)
				return
			}
			uc.failUnconfirmedSends(id, cutoff)
		}(chatID)
	}
}

// failUnconfirmedSends marks optimistic entries from before the reconnect
// that the catch-up fetch did not confirm. Entries created after the
// cutoff rode the live connection and are left to their own echoes; a
// fallback create still in flight resolves its entry itself, and its
// late success supersedes the failed mark via reconciliation.
func (uc *ChatSyncUseCase) failUnconfirmedSends(chatID string, cutoff time.Time) {
	conv := uc.ensureConversation(chatID)

	for _, m := range conv.store.List() {
		if m.Status != entity.StatusSending || m.SenderID != uc.selfID {
			continue
		}
		if !m.CreatedAt.Before(cutoff) {
			continue
		}
		logger.Warn("sync: send %s lost across reconnect, marking failed", m.ID)
		conv.store.UpdateStatus(m.ID, entity.StatusFailed)
		uc.mu.Lock()
		delete(uc.pendingUploads, m.ID)
		uc.mu.Unlock()
	}
}

// catchUp merges a bounded slice of recent history into the store.
// Upsert keeps it idempotent against records that also arrived live.
func (uc *ChatSyncUseCase) catchUp(ctx context.Context, chatID string) error {
	conv := uc.ensureConversation(chatID)

	msgs, err := uc.svc.ListMessages(ctx, chatID, uc.opts.CatchUpLimit, 0)
	if err != nil {
		return err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	for _, m := range msgs {
		if m.SenderID == uc.selfID && m.TempID != "" {
			if _, pending := conv.store.Get(m.TempID); pending {
				uc.reconcile(conv, m.TempID, m)
				continue
			}
		}
		conv.store.Upsert(m)
	}
	return nil
}
