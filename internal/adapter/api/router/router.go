package router

import (
	"github.com/labstack/echo/v4"

	"circlesync/internal/adapter/api/handler"
	"circlesync/internal/adapter/api/middleware"
)

// Setup registers every relay route. Health is the only unauthenticated
// endpoint.
func Setup(
	e *echo.Echo,
	chatHandler *handler.ChatHandler,
	messageHandler *handler.MessageHandler,
	wsHandler *handler.WebSocketHandler,
	healthHandler *handler.HealthHandler,
	authMiddleware *middleware.AuthMiddleware,
) {
	e.GET("/health", healthHandler.Check)

	e.GET("/ws", wsHandler.HandleWebSocket, authMiddleware.Authenticate)

	chatGroup := e.Group("/v1/chats")
	chatGroup.Use(authMiddleware.Authenticate)
	chatGroup.POST("", chatHandler.CreateChat)
	chatGroup.GET("/:id", chatHandler.GetChat)
	chatGroup.POST("/:id/messages", messageHandler.CreateMessage) // fallback create
	chatGroup.GET("/:id/messages", messageHandler.ListMessages)   // history / catch-up

	messageGroup := e.Group("/v1/messages")
	messageGroup.Use(authMiddleware.Authenticate)
	messageGroup.POST("/:id/attachment", messageHandler.UploadAttachment)
	messageGroup.GET("/:id/attachment", messageHandler.GetAttachment)
	messageGroup.DELETE("/:id", messageHandler.DeleteMessage)
}
