package alert

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramProvider delivers alerts to a Telegram chat.
type TelegramProvider struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
	chatID int64
}

// NewTelegramProvider creates a Telegram provider from a bot token and target
// chat ID.
func NewTelegramProvider(token string, chatID int64, logger *slog.Logger) (*TelegramProvider, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	logger.Info("Telegram provider ready", "bot", api.Self.UserName, "chat_id", chatID)

	return &TelegramProvider{
		api:    api,
		chatID: chatID,
		logger: logger,
	}, nil
}

// Send posts the message to the configured chat.
func (p *TelegramProvider) Send(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(p.chatID, text)
	msg.DisableWebPagePreview = true

	if _, err := p.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	p.logger.Info("Telegram alert sent", "chat_id", p.chatID, "text_length", len(text))
	return nil
}
