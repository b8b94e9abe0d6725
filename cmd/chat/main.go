// Command chat is a minimal terminal client exercising the sync core:
// it joins one conversation, prints inbound traffic and sends stdin lines.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"circlesync/internal/adapter/rest"
	"circlesync/internal/infrastructure/push"
	"circlesync/internal/usecase"
	"circlesync/pkg/config"
	"circlesync/pkg/token"
)

func main() {
	userID := flag.String("user", "", "user id to sign in as")
	chatID := flag.String("chat", "", "conversation to join")
	flag.Parse()

	if *userID == "" || *chatID == "" {
		log.Fatal("both -user and -chat are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// The demo mints its own session token; a real app gets one from the
	// session provider.
	sessionToken, err := token.NewManager(cfg.JWTSecret, cfg.JWTExpiry).Generate(*userID)
	if err != nil {
		log.Fatalf("Failed to mint session token: %v", err)
	}

	conn := push.NewConnection(cfg.WebSocketURL)
	defer conn.Close()

	svc := rest.NewMessageClient(cfg.APIBaseURL, sessionToken, cfg.RequestTimeout)
	sync := usecase.NewChatSyncUseCase(conn, svc, *userID, usecase.Options{
		RequestTimeout: cfg.RequestTimeout,
		CatchUpLimit:   cfg.CatchUpLimit,
	})
	defer sync.Close()

	ctx := context.Background()
	if err := conn.Connect(ctx, sessionToken); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	if err := sync.OpenConversation(ctx, *chatID); err != nil {
		log.Printf("history fetch failed, continuing live-only: %v", err)
	}
	defer sync.CloseConversation(*chatID)

	sync.SetOnChange(*chatID, func() {
		render(sync, *chatID)
	})
	render(sync, *chatID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return
		}
		sync.NotifyTyping(*chatID)
		sync.SendMessage(ctx, *chatID, usecase.SendInput{Text: text})
	}
}

func render(sync *usecase.ChatSyncUseCase, chatID string) {
	fmt.Printf("\n--- %s [%s] ---\n", chatID, sync.ConnectionState())
	for _, m := range sync.Messages(chatID) {
		marker := ""
		if m.AttachmentFailed {
			marker = " (attachment failed)"
		}
		fmt.Printf("[%s] %s: %s (%s)%s\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Body, m.Status, marker)
	}
	if typing := sync.TypingUsers(chatID); len(typing) > 0 {
		fmt.Printf("typing: %s\n", strings.Join(typing, ", "))
	}
	fmt.Print("> ")
}
