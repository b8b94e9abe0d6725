package main

import (
	"context"
	"log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"circlesync/internal/adapter/api"
	"circlesync/internal/adapter/api/handler"
	apimiddleware "circlesync/internal/adapter/api/middleware"
	"circlesync/internal/adapter/api/router"
	"circlesync/internal/adapter/repository"
	"circlesync/internal/infrastructure/websocket"
	"circlesync/internal/usecase"
	"circlesync/pkg/config"
	"circlesync/pkg/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	messageRepo := repository.NewMemoryMessageRepository()
	chatRepo := repository.NewMemoryChatRepository()
	tokens := token.NewManager(cfg.JWTSecret, cfg.JWTExpiry)

	wsManager := websocket.NewManager()
	relayUseCase := usecase.NewRelayUseCase(messageRepo, chatRepo, wsManager)
	wsManager.Start(ctx)

	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(tokens)

	chatHandler := handler.NewChatHandler(relayUseCase)
	messageHandler := handler.NewMessageHandler(relayUseCase)
	wsHandler := handler.NewWebSocketHandler(wsManager)
	healthHandler := handler.NewHealthHandler()

	router.Setup(e, chatHandler, messageHandler, wsHandler, healthHandler, authMiddleware)

	log.Printf("Starting relay on port %s", cfg.ServerPort)
	if err := e.Start(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
