// Package publisher delivers rendered messages to a Telegram chat or channel.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
)

// Telegram publishes each message with a single sendMessage call.
type Telegram struct {
	bot    *bot.Bot
	chatID any
	logger *slog.Logger
}

// NewTelegram creates a publisher for chatID, which is either a numeric chat id or a
// public channel username such as "@news".
func NewTelegram(token, chatID string, logger *slog.Logger, opts ...bot.Option) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}
	if chatID == "" {
		return nil, errors.New("telegram chat id cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_publisher")

	// the publisher never polls for updates, so skip the startup getMe round trip
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{
		bot:    b,
		chatID: parseChatID(chatID),
		logger: log,
	}, nil
}

// Publish sends text to the configured chat.
func (t *Telegram) Publish(ctx context.Context, text string) error {
	msg, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}

	t.logger.DebugContext(ctx, "Message sent", "chat_id", t.chatID, "message_id", msg.ID)
	return nil
}

func parseChatID(s string) any {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	return s
}
