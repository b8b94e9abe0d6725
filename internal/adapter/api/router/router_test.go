package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circlesync/internal/adapter/api"
	"circlesync/internal/adapter/api/handler"
	"circlesync/internal/adapter/api/middleware"
	adapterrepo "circlesync/internal/adapter/repository"
	"circlesync/internal/adapter/rest"
	"circlesync/internal/domain/entity"
	"circlesync/internal/infrastructure/push"
	ws "circlesync/internal/infrastructure/websocket"
	"circlesync/internal/usecase"
	"circlesync/pkg/token"
)

// startRelay wires the full relay stack the way cmd/api does and serves
// it from an httptest server.
func startRelay(t *testing.T) (*httptest.Server, *token.Manager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tokens := token.NewManager("integration-secret", 3600)
	manager := ws.NewManager()
	relayUseCase := usecase.NewRelayUseCase(
		adapterrepo.NewMemoryMessageRepository(),
		adapterrepo.NewMemoryChatRepository(),
		manager,
	)
	manager.Start(ctx)

	e := echo.New()
	e.Use(echomiddleware.Recover())
	e.Validator = api.NewValidator()

	Setup(e,
		handler.NewChatHandler(relayUseCase),
		handler.NewMessageHandler(relayUseCase),
		handler.NewWebSocketHandler(manager),
		handler.NewHealthHandler(),
		middleware.NewAuthMiddleware(tokens),
	)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, tokens
}

type client struct {
	conn *push.Connection
	sync *usecase.ChatSyncUseCase
}

func startClient(t *testing.T, server *httptest.Server, tokens *token.Manager, userID string) *client {
	t.Helper()

	sessionToken, err := tokens.Generate(userID)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn := push.NewConnection(wsURL)
	t.Cleanup(conn.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx, sessionToken))

	svc := rest.NewMessageClient(server.URL, sessionToken, 5*time.Second)
	syncUC := usecase.NewChatSyncUseCase(conn, svc, userID, usecase.Options{
		RequestTimeout: 5 * time.Second,
		TypingIdle:     200 * time.Millisecond,
		TypingExpiry:   2 * time.Second,
	})
	t.Cleanup(syncUC.Close)

	return &client{conn: conn, sync: syncUC}
}

func TestSendReconcilesAndReachesOtherParticipant(t *testing.T) {
	server, tokens := startRelay(t)
	alice := startClient(t, server, tokens, "alice")
	bob := startClient(t, server, tokens, "bob")

	ctx := context.Background()
	require.NoError(t, alice.sync.OpenConversation(ctx, "family"))
	require.NoError(t, bob.sync.OpenConversation(ctx, "family"))

	tempID := alice.sync.SendMessage(ctx, "family", usecase.SendInput{Text: "dinner at 7?"})
	require.NotEmpty(t, tempID)

	// Alice's optimistic entry collapses into the confirmed record.
	assert.Eventually(t, func() bool {
		messages := alice.sync.Messages("family")
		if len(messages) != 1 {
			return false
		}
		m := messages[0]
		return m.ID != tempID && m.Status == entity.StatusSent && m.TempID == tempID
	}, 5*time.Second, 20*time.Millisecond)

	// Bob sees exactly one copy of the broadcast.
	assert.Eventually(t, func() bool {
		messages := bob.sync.Messages("family")
		return len(messages) == 1 && messages[0].Body == "dinner at 7?" && messages[0].SenderID == "alice"
	}, 5*time.Second, 20*time.Millisecond)

	aliceMessages := alice.sync.Messages("family")
	bobMessages := bob.sync.Messages("family")
	require.Len(t, aliceMessages, 1)
	require.Len(t, bobMessages, 1)
	assert.Equal(t, aliceMessages[0].ID, bobMessages[0].ID)
}

func TestAttachmentRoundTrip(t *testing.T) {
	server, tokens := startRelay(t)
	alice := startClient(t, server, tokens, "alice")
	bob := startClient(t, server, tokens, "bob")

	ctx := context.Background()
	require.NoError(t, alice.sync.OpenConversation(ctx, "family"))
	require.NoError(t, bob.sync.OpenConversation(ctx, "family"))

	alice.sync.SendMessage(ctx, "family", usecase.SendInput{
		Text: "look at this",
		Attachment: &usecase.Attachment{
			Kind:     entity.KindImage,
			FileName: "sunset.jpg",
			Data:     []byte("jpegbytes"),
		},
	})

	hasUploadedAttachment := func(messages []*entity.Message) bool {
		return len(messages) == 1 &&
			messages[0].AttachmentMeta != nil &&
			messages[0].AttachmentMeta.URL != "" &&
			!messages[0].AttachmentFailed
	}

	// The message-updated broadcast after the upload patches both views.
	assert.Eventually(t, func() bool {
		return hasUploadedAttachment(alice.sync.Messages("family"))
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return hasUploadedAttachment(bob.sync.Messages("family"))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTypingReachesOthersButNotSelf(t *testing.T) {
	server, tokens := startRelay(t)
	alice := startClient(t, server, tokens, "alice")
	bob := startClient(t, server, tokens, "bob")

	ctx := context.Background()
	require.NoError(t, alice.sync.OpenConversation(ctx, "family"))
	require.NoError(t, bob.sync.OpenConversation(ctx, "family"))

	alice.sync.NotifyTyping("family")

	assert.Eventually(t, func() bool {
		users := bob.sync.TypingUsers("family")
		return len(users) == 1 && users[0] == "alice"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, alice.sync.TypingUsers("family"))

	// The idle window lapses and the stop broadcast clears the indicator.
	assert.Eventually(t, func() bool {
		return len(bob.sync.TypingUsers("family")) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRejectsMissingToken(t *testing.T) {
	server, _ := startRelay(t)

	conn := push.NewConnection("ws" + strings.TrimPrefix(server.URL, "http") + "/ws")
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := conn.Connect(ctx, "")
	assert.Error(t, err)
}
