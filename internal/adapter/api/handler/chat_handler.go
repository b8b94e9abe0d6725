package handler

import (
	"github.com/labstack/echo/v4"

	"circlesync/internal/domain/entity"
	"circlesync/internal/usecase"
	"circlesync/pkg/errors"
	"circlesync/pkg/response"
)

type ChatHandler struct {
	relayUseCase *usecase.RelayUseCase
}

func NewChatHandler(relayUseCase *usecase.RelayUseCase) *ChatHandler {
	return &ChatHandler{
		relayUseCase: relayUseCase,
	}
}

type createChatRequest struct {
	Kind         string   `json:"kind" validate:"omitempty,oneof=direct group"`
	Participants []string `json:"participants"`
}

// CreateChat registers a circle. The authenticated user is added as a
// participant when not already listed.
func (h *ChatHandler) CreateChat(c echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	userID := c.Get("uid").(string)

	chat, err := h.relayUseCase.CreateChat(c.Request().Context(), userID, entity.ChatKind(req.Kind), req.Participants)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, chat)
}

// GetChat returns one registered circle to its participants.
func (h *ChatHandler) GetChat(c echo.Context) error {
	userID := c.Get("uid").(string)
	chatID := c.Param("id")

	chat, err := h.relayUseCase.GetChat(c.Request().Context(), userID, chatID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}
