// Package telegram relays audit records to a Telegram chat.
package telegram

import (
	"fmt"

	"github.com/go-telegram/bot"
	"go.uber.org/zap"
)

// NewTelegramBot creates a send-only Telegram client. No updates are polled.
func NewTelegramBot(token string, logger *zap.Logger, opts ...bot.Option) (*bot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "telegram_bot"))

	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", zap.Error(err))
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("Telegram bot instance created")
	return b, nil
}
