package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/internal/usecase"
	"circlesync/pkg/errors"
	"circlesync/pkg/response"
)

// Attachment uploads are capped; the relay holds binaries in memory.
const maxAttachmentSize = 16 << 20 // 16 MiB

type MessageHandler struct {
	relayUseCase *usecase.RelayUseCase
}

func NewMessageHandler(relayUseCase *usecase.RelayUseCase) *MessageHandler {
	return &MessageHandler{
		relayUseCase: relayUseCase,
	}
}

type createMessageRequest struct {
	TempID         string                 `json:"temp_id"`
	Body           string                 `json:"body"`
	Kind           string                 `json:"kind" validate:"omitempty,oneof=text image file audio location"`
	AttachmentMeta *entity.AttachmentMeta `json:"attachment_meta,omitempty"`
}

// CreateMessage is the request/response fallback for clients whose push
// channel is down. The confirmed record is returned directly; no echo
// will reach the sender over the channel they do not have.
func (h *MessageHandler) CreateMessage(c echo.Context) error {
	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}
	if req.Body == "" && req.AttachmentMeta == nil {
		return response.Error(c, errors.BadRequest("message needs text or an attachment", nil))
	}

	userID := c.Get("uid").(string)
	chatID := c.Param("id")

	message, err := h.relayUseCase.CreateMessage(c.Request().Context(), userID, chatID, repository.CreateMessageInput{
		TempID:         req.TempID,
		Body:           req.Body,
		Kind:           entity.MessageKind(req.Kind),
		AttachmentMeta: req.AttachmentMeta,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, message)
}

// ListMessages returns a bounded page of history, newest first. Clients
// use it for the catch-up fetch after a reconnect.
func (h *MessageHandler) ListMessages(c echo.Context) error {
	chatID := c.Param("id")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	messages, total, err := h.relayUseCase.ListMessages(c.Request().Context(), chatID, limit, offset)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Paginated(c, messages, total, limit, offset)
}

// UploadAttachment receives the binary for an already-created message.
func (h *MessageHandler) UploadAttachment(c echo.Context) error {
	messageID := c.Param("id")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.Error(c, errors.BadRequest("file field is required", err))
	}
	if fileHeader.Size > maxAttachmentSize {
		return response.Error(c, errors.BadRequest("attachment too large", nil))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.Error(c, errors.Internal("failed to open upload", err))
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAttachmentSize+1))
	if err != nil {
		return response.Error(c, errors.Internal("failed to read upload", err))
	}
	if int64(len(data)) > maxAttachmentSize {
		return response.Error(c, errors.BadRequest("attachment too large", nil))
	}

	message, err := h.relayUseCase.UploadAttachment(c.Request().Context(), messageID, fileHeader.Filename, data)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, message)
}

// GetAttachment serves a stored binary.
func (h *MessageHandler) GetAttachment(c echo.Context) error {
	messageID := c.Param("id")

	fileName, data, ok := h.relayUseCase.GetAttachment(messageID)
	if !ok {
		return response.Error(c, errors.NotFound("attachment", nil))
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+fileName+`"`)
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// DeleteMessage removes a message. Clients fire this without waiting.
func (h *MessageHandler) DeleteMessage(c echo.Context) error {
	messageID := c.Param("id")

	if err := h.relayUseCase.DeleteMessage(c.Request().Context(), messageID); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"deleted": messageID})
}
