package telegram

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/expybot/internal/audit"
	"github.com/edgard/expybot/internal/progression"
)

// Sender is the subset of *bot.Bot the relay needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// AuditRelay posts anomaly reports to a Telegram chat.
type AuditRelay struct {
	sender Sender
	chatID int64
}

var _ progression.AuditPort = (*AuditRelay)(nil)

func NewAuditRelay(sender Sender, chatID int64) *AuditRelay {
	return &AuditRelay{sender: sender, chatID: chatID}
}

func (r *AuditRelay) RecordAnomaly(ctx context.Context, event progression.Anomaly) error {
	_, err := r.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: r.chatID,
		Text:   audit.Format(event),
	})
	if err != nil {
		return fmt.Errorf("relay anomaly %s to telegram: %w", event.ID, err)
	}
	return nil
}
