package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/internal/infrastructure/push"
	"circlesync/internal/protocol"
)

type emittedEvent struct {
	event   string
	chatID  string
	payload interface{}
}

// fakeChannel implements PushChannel in-process so tests can flip the
// connection state and inject inbound events deterministically.
type fakeChannel struct {
	mu            sync.Mutex
	state         push.State
	handlers      map[string]map[int]push.Handler
	stateHandlers map[int]push.StateHandler
	nextID        int
	emitted       []emittedEvent
	joined        []string
	left          []string
	refuseEmit    bool
}

func newFakeChannel(state push.State) *fakeChannel {
	return &fakeChannel{
		state:         state,
		handlers:      make(map[string]map[int]push.Handler),
		stateHandlers: make(map[int]push.StateHandler),
	}
}

func (f *fakeChannel) State() push.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) JoinConversation(id string) {
	f.mu.Lock()
	f.joined = append(f.joined, id)
	f.mu.Unlock()
}

func (f *fakeChannel) LeaveConversation(id string) {
	f.mu.Lock()
	f.left = append(f.left, id)
	f.mu.Unlock()
}

func (f *fakeChannel) Emit(event, chatID string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseEmit {
		return false
	}
	f.emitted = append(f.emitted, emittedEvent{event: event, chatID: chatID, payload: payload})
	return true
}

func (f *fakeChannel) On(event string, h push.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]push.Handler)
	}
	f.handlers[event][f.nextID] = h
	return f.nextID
}

func (f *fakeChannel) Off(event string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hs, ok := f.handlers[event]; ok {
		delete(hs, id)
	}
}

func (f *fakeChannel) OnStateChange(h push.StateHandler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.stateHandlers[f.nextID] = h
	return f.nextID
}

func (f *fakeChannel) OffStateChange(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stateHandlers, id)
}

func (f *fakeChannel) setState(s push.State) {
	f.mu.Lock()
	f.state = s
	hs := make([]push.StateHandler, 0, len(f.stateHandlers))
	for _, h := range f.stateHandlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

// deliver injects an inbound event as the read pump would.
func (f *fakeChannel) deliver(t *testing.T, event, chatID string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, chatID, payload)
	require.NoError(t, err)

	f.mu.Lock()
	hs := make([]push.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (f *fakeChannel) emittedEvents() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emittedEvent, len(f.emitted))
	copy(out, f.emitted)
	return out
}

type fakeMessageService struct {
	mu         sync.Mutex
	createFn   func(chatID string, input repository.CreateMessageInput) (*entity.Message, error)
	uploadFn   func(messageID, fileName string, body io.Reader) (*entity.Message, error)
	listFn     func(chatID string, limit, offset int) ([]*entity.Message, error)
	listCalls  int
	deleteIDs  []string
	deleteDone chan string
}

func (f *fakeMessageService) CreateMessage(ctx context.Context, chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
	if f.createFn == nil {
		return nil, errors.New("create not configured")
	}
	return f.createFn(chatID, input)
}

func (f *fakeMessageService) UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*entity.Message, error) {
	if f.uploadFn == nil {
		return nil, errors.New("upload not configured")
	}
	return f.uploadFn(messageID, fileName, body)
}

func (f *fakeMessageService) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(chatID, limit, offset)
}

func (f *fakeMessageService) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	f.deleteIDs = append(f.deleteIDs, messageID)
	f.mu.Unlock()
	if f.deleteDone != nil {
		f.deleteDone <- messageID
	}
	return nil
}

func (f *fakeMessageService) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func confirmedFrom(tempID, serverID, sender, chatID, body string) *entity.Message {
	return &entity.Message{
		ID:        serverID,
		TempID:    tempID,
		ChatID:    chatID,
		SenderID:  sender,
		Body:      body,
		Kind:      entity.KindText,
		Status:    entity.StatusSent,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSendMessageEmptyInputIsNoop(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	id := uc.SendMessage(context.Background(), "chat-1", SendInput{})

	assert.Empty(t, id)
	assert.Empty(t, uc.Messages("chat-1"))
	assert.Empty(t, channel.emittedEvents())
}

func TestSendMessageConnectedEchoReconciles(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "hello"})
	require.NotEmpty(t, tempID)

	list := uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, tempID, list[0].ID)
	assert.Equal(t, entity.StatusSending, list[0].Status)

	events := channel.emittedEvents()
	require.NotEmpty(t, events)
	sent, ok := events[len(events)-1].payload.(protocol.SendMessagePayload)
	require.True(t, ok)
	assert.Equal(t, tempID, sent.TempID)

	// The relay broadcasts the confirmed record back, sender included.
	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom(tempID, "srv-1", "me", "chat-1", "hello"))

	list = uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, "srv-1", list[0].ID)
	assert.Equal(t, entity.StatusSent, list[0].Status)
}

func TestDuplicateEchoIsIdempotent(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "hello"})
	echo := confirmedFrom(tempID, "srv-1", "me", "chat-1", "hello")

	channel.deliver(t, protocol.EventNewMessage, "chat-1", echo)
	channel.deliver(t, protocol.EventNewMessage, "chat-1", echo)

	assert.Len(t, uc.Messages("chat-1"), 1)
}

func TestSendMessageFallbackWhenDisconnected(t *testing.T) {
	channel := newFakeChannel(push.StateDisconnected)
	svc := &fakeMessageService{
		createFn: func(chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
			return confirmedFrom(input.TempID, "srv-9", "me", chatID, input.Body), nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "offline hello"})
	require.NotEmpty(t, tempID)

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].ID == "srv-9" && list[0].Status == entity.StatusSent
	}, time.Second, 10*time.Millisecond)

	// Nothing went over the dead channel.
	for _, e := range channel.emittedEvents() {
		assert.NotEqual(t, protocol.EventSendMessage, e.event)
	}
}

func TestSendMessageRefusedEnqueueFallsBack(t *testing.T) {
	// State reads connected, but the enqueue is refused (disconnect race
	// or saturated write buffer). The send must not be lost.
	channel := newFakeChannel(push.StateConnected)
	channel.refuseEmit = true
	svc := &fakeMessageService{
		createFn: func(chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
			return confirmedFrom(input.TempID, "srv-11", "me", chatID, input.Body), nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "squeezed through"})
	require.NotEmpty(t, tempID)

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].ID == "srv-11" && list[0].Status == entity.StatusSent
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectMarksLostSendsFailed(t *testing.T) {
	// The enqueue succeeded but the connection was already dying: no echo
	// ever arrives and the record never reached the relay. After the
	// reconnect catch-up the entry must surface as failed, not sit in
	// sending forever.
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	require.NoError(t, uc.OpenConversation(context.Background(), "chat-1"))
	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "into the void"})
	require.NotEmpty(t, tempID)

	channel.setState(push.StateDisconnected)
	channel.setState(push.StateConnected)

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].Status == entity.StatusFailed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, tempID, uc.Messages("chat-1")[0].ID)
}

func TestReconnectConfirmedSendSurvives(t *testing.T) {
	// A send whose record did reach the relay is confirmed by the
	// catch-up fetch and must reconcile, not be marked failed.
	channel := newFakeChannel(push.StateConnected)
	var tempID string
	svc := &fakeMessageService{
		listFn: func(chatID string, limit, offset int) ([]*entity.Message, error) {
			if tempID == "" {
				return nil, nil
			}
			return []*entity.Message{confirmedFrom(tempID, "srv-12", "me", chatID, "made it")}, nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	require.NoError(t, uc.OpenConversation(context.Background(), "chat-1"))
	tempID = uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "made it"})

	channel.setState(push.StateDisconnected)
	channel.setState(push.StateConnected)

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].ID == "srv-12" && list[0].Status == entity.StatusSent
	}, time.Second, 10*time.Millisecond)
}

func TestFallbackResponseThenLateEchoNoDuplicate(t *testing.T) {
	channel := newFakeChannel(push.StateDisconnected)
	svc := &fakeMessageService{
		createFn: func(chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
			return confirmedFrom(input.TempID, "srv-9", "me", chatID, input.Body), nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "hello"})
	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].ID == "srv-9"
	}, time.Second, 10*time.Millisecond)

	// The broadcast still reaches us after reconnecting; it must merge,
	// not duplicate.
	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom(tempID, "srv-9", "me", "chat-1", "hello"))

	assert.Len(t, uc.Messages("chat-1"), 1)
}

func TestSendMessageFallbackFailureMarksFailed(t *testing.T) {
	channel := newFakeChannel(push.StateDisconnected)
	svc := &fakeMessageService{
		createFn: func(chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
			return nil, errors.New("network down")
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "doomed"})

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].Status == entity.StatusFailed
	}, time.Second, 10*time.Millisecond)

	// The failed entry stays visible under its optimistic id.
	list := uc.Messages("chat-1")
	assert.Equal(t, tempID, list[0].ID)
	assert.Equal(t, "doomed", list[0].Body)
}

func TestAttachmentTwoPhaseCommit(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{
		uploadFn: func(messageID, fileName string, body io.Reader) (*entity.Message, error) {
			data, _ := io.ReadAll(body)
			return &entity.Message{
				ID:     messageID,
				ChatID: "chat-1",
				AttachmentMeta: &entity.AttachmentMeta{
					URL:      "/v1/messages/" + messageID + "/attachment",
					FileName: fileName,
					FileSize: int64(len(data)),
					Width:    800,
					Height:   600,
				},
			}, nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{
		Text: "look",
		Attachment: &Attachment{
			Kind:     entity.KindImage,
			FileName: "sunset.jpg",
			Data:     []byte("jpegbytes"),
			Meta:     &entity.AttachmentMeta{Width: 800, Height: 600},
		},
	})

	list := uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, entity.KindImage, list[0].Kind)
	assert.Equal(t, entity.StatusSending, list[0].Status)

	echo := confirmedFrom(tempID, "srv-img", "me", "chat-1", "look")
	echo.Kind = entity.KindImage
	channel.deliver(t, protocol.EventNewMessage, "chat-1", echo)

	// After the echo the entry holds the authoritative id; the upload
	// then patches the URL without changing the id.
	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 &&
			list[0].ID == "srv-img" &&
			list[0].AttachmentMeta != nil &&
			list[0].AttachmentMeta.URL != ""
	}, time.Second, 10*time.Millisecond)

	final := uc.Messages("chat-1")[0]
	assert.Equal(t, entity.StatusSent, final.Status)
	assert.False(t, final.AttachmentFailed)
	assert.Equal(t, "sunset.jpg", final.AttachmentMeta.FileName)
}

func TestAttachmentUploadFailureFlagsOnlyAttachment(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{
		uploadFn: func(messageID, fileName string, body io.Reader) (*entity.Message, error) {
			return nil, errors.New("storage unavailable")
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{
		Text:       "look",
		Attachment: &Attachment{Kind: entity.KindImage, FileName: "a.jpg", Data: []byte("x")},
	})

	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom(tempID, "srv-img", "me", "chat-1", "look"))

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].AttachmentFailed
	}, time.Second, 10*time.Millisecond)

	// The text portion stays persisted; only the attachment is flagged.
	final := uc.Messages("chat-1")[0]
	assert.Equal(t, entity.StatusSent, final.Status)
	assert.Equal(t, "look", final.Body)
}

func TestRapidSendsGetDistinctIDsInOrder(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	idA := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "a"})
	idB := uc.SendMessage(context.Background(), "chat-1", SendInput{Text: "b"})

	require.NotEqual(t, idA, idB)

	list := uc.Messages("chat-1")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Body)
	assert.Equal(t, "b", list[1].Body)
}

func TestUploadCompletesAfterConversationClosed(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uploadStarted := make(chan struct{})
	uploadRelease := make(chan struct{})
	svc := &fakeMessageService{
		uploadFn: func(messageID, fileName string, body io.Reader) (*entity.Message, error) {
			close(uploadStarted)
			<-uploadRelease
			return &entity.Message{
				ID:             messageID,
				ChatID:         "chat-1",
				AttachmentMeta: &entity.AttachmentMeta{URL: "/v1/messages/" + messageID + "/attachment"},
			}, nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	tempID := uc.SendMessage(context.Background(), "chat-1", SendInput{
		Text:       "slow",
		Attachment: &Attachment{Kind: entity.KindImage, FileName: "big.jpg", Data: []byte("x")},
	})
	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom(tempID, "srv-slow", "me", "chat-1", "slow"))

	<-uploadStarted
	// The view unmounts mid-upload.
	uc.CloseConversation("chat-1")
	close(uploadRelease)

	// The upload still reconciles into the store without panicking.
	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].AttachmentMeta != nil && list[0].AttachmentMeta.URL != ""
	}, time.Second, 10*time.Millisecond)
}

func TestInboundMessageFromOtherUserAppends(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom("", "srv-2", "alice", "chat-1", "hi there"))

	list := uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].SenderID)
}

func TestMessageUpdatedUpserts(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom("", "srv-2", "alice", "chat-1", "hi"))
	channel.deliver(t, protocol.EventMessageUpdated, "chat-1", &entity.Message{
		ID:     "srv-2",
		ChatID: "chat-1",
		Status: entity.StatusRead,
	})

	list := uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, entity.StatusRead, list[0].Status)
	assert.Equal(t, "hi", list[0].Body)
}

func TestTypingEventsRouteToCoordinator(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{TypingExpiry: time.Minute})
	defer uc.Close()

	channel.deliver(t, protocol.EventTyping, "chat-1", protocol.TypingPayload{ChatID: "chat-1", UserID: "alice", Typing: true})
	assert.Equal(t, []string{"alice"}, uc.TypingUsers("chat-1"))

	// Events about ourselves never land in the set.
	channel.deliver(t, protocol.EventTyping, "chat-1", protocol.TypingPayload{ChatID: "chat-1", UserID: "me", Typing: true})
	assert.Equal(t, []string{"alice"}, uc.TypingUsers("chat-1"))

	channel.deliver(t, protocol.EventTyping, "chat-1", protocol.TypingPayload{ChatID: "chat-1", UserID: "alice", Typing: false})
	assert.Empty(t, uc.TypingUsers("chat-1"))
}

func TestNotifyTypingEmitsOverChannel(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{TypingIdle: time.Minute})
	defer uc.Close()

	uc.NotifyTyping("chat-1")
	uc.NotifyTyping("chat-1")

	var typingEmits []emittedEvent
	for _, e := range channel.emittedEvents() {
		if e.event == protocol.EventTyping {
			typingEmits = append(typingEmits, e)
		}
	}
	require.Len(t, typingEmits, 1)
	payload, ok := typingEmits[0].payload.(protocol.TypingPayload)
	require.True(t, ok)
	assert.True(t, payload.Typing)
	assert.Equal(t, "me", payload.UserID)
}

func TestOpenConversationJoinsAndFetchesHistory(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{
		listFn: func(chatID string, limit, offset int) ([]*entity.Message, error) {
			return []*entity.Message{
				confirmedFrom("", "srv-old", "alice", chatID, "earlier"),
			}, nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	require.NoError(t, uc.OpenConversation(context.Background(), "chat-1"))

	assert.Equal(t, []string{"chat-1"}, channel.joined)
	list := uc.Messages("chat-1")
	require.Len(t, list, 1)
	assert.Equal(t, "earlier", list[0].Body)
}

func TestReconnectTriggersCatchUpForActiveConversations(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	var mu sync.Mutex
	history := []*entity.Message{}
	svc := &fakeMessageService{
		listFn: func(chatID string, limit, offset int) ([]*entity.Message, error) {
			mu.Lock()
			defer mu.Unlock()
			return history, nil
		},
	}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	require.NoError(t, uc.OpenConversation(context.Background(), "chat-1"))
	require.Equal(t, 1, svc.listCallCount())

	// Someone sends while we are away.
	mu.Lock()
	history = append(history, confirmedFrom("", "srv-missed", "alice", "chat-1", "missed you"))
	mu.Unlock()

	channel.setState(push.StateDisconnected)
	channel.setState(push.StateConnected)

	require.Eventually(t, func() bool {
		list := uc.Messages("chat-1")
		return len(list) == 1 && list[0].ID == "srv-missed"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, svc.listCallCount())
}

func TestClosedConversationSkipsCatchUp(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	require.NoError(t, uc.OpenConversation(context.Background(), "chat-1"))
	uc.CloseConversation("chat-1")
	require.Equal(t, []string{"chat-1"}, channel.left)

	before := svc.listCallCount()
	channel.setState(push.StateDisconnected)
	channel.setState(push.StateConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, svc.listCallCount())
}

func TestDeleteMessageRemovesLocallyAndFiresRemote(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	svc := &fakeMessageService{deleteDone: make(chan string, 1)}
	uc := NewChatSyncUseCase(channel, svc, "me", Options{})
	defer uc.Close()

	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom("", "srv-2", "alice", "chat-1", "bye"))
	uc.DeleteMessage("chat-1", "srv-2")

	assert.Empty(t, uc.Messages("chat-1"))

	select {
	case id := <-svc.deleteDone:
		assert.Equal(t, "srv-2", id)
	case <-time.After(time.Second):
		t.Fatal("remote delete never issued")
	}
}

func TestConversationsDoNotCrossTalk(t *testing.T) {
	channel := newFakeChannel(push.StateConnected)
	uc := NewChatSyncUseCase(channel, &fakeMessageService{}, "me", Options{})
	defer uc.Close()

	channel.deliver(t, protocol.EventNewMessage, "chat-1", confirmedFrom("", "srv-1", "alice", "chat-1", "one"))
	channel.deliver(t, protocol.EventNewMessage, "chat-2", confirmedFrom("", "srv-2", "bob", "chat-2", "two"))

	require.Len(t, uc.Messages("chat-1"), 1)
	require.Len(t, uc.Messages("chat-2"), 1)
	assert.Equal(t, "one", uc.Messages("chat-1")[0].Body)
	assert.Equal(t, "two", uc.Messages("chat-2")[0].Body)
}
