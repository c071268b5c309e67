// Package client provides the outbound Telegram Bot API transport used for
// operator-facing chat feedback: completion messages and per-message emoji
// reactions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultAPIURL is the public Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Telegram is a Telegram Bot API client. It implements the pipeline's chat
// contract; delivery failures surface as errors and the callers decide
// whether they matter.
type Telegram struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewTelegram creates a Telegram client for the given bot token.
// If baseURL is empty, the public Bot API endpoint is used.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Telegram{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// SendMessage sends a plain-text message to the chat.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
}

// SetReaction replaces the reactions on a message with a single emoji.
func (t *Telegram) SetReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("reaction needs a numeric message id, got %q", messageID)
	}
	return t.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    chatID,
		"message_id": id,
		"reaction": []map[string]any{
			{"type": "emoji", "emoji": emoji},
		},
	})
}

// call invokes one Bot API method and decodes the response envelope.
func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("unmarshal response: %s - %s", resp.Status, string(body))
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: %d %s", method, envelope.ErrorCode, envelope.Description)
	}

	return nil
}
