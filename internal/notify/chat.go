package notify

import (
	"context"
	"log/slog"
)

// LogChat is the default chat transport: it records outbound messages and
// reactions in the log instead of delivering them. Deployments wire a real
// transport (Telegram bot, web chat) in front of it; the pipeline treats
// every chat call as best-effort either way.
type LogChat struct {
	log *slog.Logger
}

// NewLogChat creates a chat transport that only logs.
func NewLogChat(log *slog.Logger) *LogChat {
	return &LogChat{log: log}
}

func (c *LogChat) SendMessage(_ context.Context, chatID int64, text string) error {
	c.log.Info("chat message", "chat_id", chatID, "text", text)
	return nil
}

func (c *LogChat) SetReaction(_ context.Context, chatID int64, messageID, emoji string) error {
	c.log.Info("chat reaction", "chat_id", chatID, "message_id", messageID, "emoji", emoji)
	return nil
}
