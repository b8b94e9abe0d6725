// Package rest implements the MessageService interface over the relay's
// HTTP API: the fallback create path, attachment uploads, history and
// deletes.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"circlesync/internal/domain/entity"
	"circlesync/internal/domain/repository"
	"circlesync/pkg/errors"
)

type MessageClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ repository.MessageService = (*MessageClient)(nil)

// NewMessageClient builds a client against the relay base URL. The
// timeout is the hard bound on every call, including fallback creates.
func NewMessageClient(baseURL, sessionToken string, timeout time.Duration) *MessageClient {
	return &MessageClient{
		baseURL:    baseURL,
		token:      sessionToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createMessageBody struct {
	TempID         string                 `json:"temp_id"`
	Body           string                 `json:"body"`
	Kind           entity.MessageKind     `json:"kind"`
	AttachmentMeta *entity.AttachmentMeta `json:"attachment_meta,omitempty"`
}

type messagePage struct {
	Items []*entity.Message `json:"items"`
}

func (c *MessageClient) CreateMessage(ctx context.Context, chatID string, input repository.CreateMessageInput) (*entity.Message, error) {
	body, err := json.Marshal(createMessageBody{
		TempID:         input.TempID,
		Body:           input.Body,
		Kind:           input.Kind,
		AttachmentMeta: input.AttachmentMeta,
	})
	if err != nil {
		return nil, errors.Internal("failed to encode message", err)
	}

	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/chats/%s/messages", chatID), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var message entity.Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, errors.Internal("failed to decode message", err)
	}
	return &message, nil
}

func (c *MessageClient) UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*entity.Message, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, errors.Internal("failed to build upload form", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, errors.Internal("failed to read attachment", err)
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Internal("failed to finish upload form", err)
	}

	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/messages/%s/attachment", messageID), writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var message entity.Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, errors.Internal("failed to decode message", err)
	}
	return &message, nil
}

func (c *MessageClient) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*entity.Message, error) {
	path := fmt.Sprintf("/v1/chats/%s/messages?limit=%s&offset=%s",
		chatID, strconv.Itoa(limit), strconv.Itoa(offset))

	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	var page messagePage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, errors.Internal("failed to decode message page", err)
	}
	return page.Items, nil
}

func (c *MessageClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/messages/"+messageID, "", nil)
	return err
}

// do performs one authenticated request and unwraps the response
// envelope, mapping error envelopes back onto the AppError taxonomy.
func (c *MessageClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Internal("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Timeout("message service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Internal("failed to read response", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Internal("malformed response from message service", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		code := "INTERNAL_ERROR"
		message := "message service request failed"
		if env.Error != nil {
			code = env.Error.Code
			message = env.Error.Message
		}
		return nil, errors.New(code, message, resp.StatusCode, nil)
	}

	return env.Data, nil
}
