// Package tasks implements the bot's scheduled maintenance tasks.
package tasks

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/database"
)

// GuildReconciler re-synchronizes the tier roles of a guild's members.
type GuildReconciler interface {
	ReconcileGuild(ctx context.Context, guildID string) (int, error)
}

// TaskDeps contains the dependencies of scheduled tasks.
type TaskDeps struct {
	Logger     *zap.Logger
	Store      database.Store
	Reconciler GuildReconciler
}
