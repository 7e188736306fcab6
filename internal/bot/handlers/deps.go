package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/bump"
	"github.com/edgard/expybot/internal/config"
	"github.com/edgard/expybot/internal/progression"
)

// HandlerDeps provides dependencies for Discord event and command handlers.
type HandlerDeps struct {
	Logger    *zap.Logger
	Config    *config.Config
	Engine    *progression.Engine
	Bumps     *bump.Set
	History   bump.HistorySource
	Directory Directory
	StartedAt time.Time
}

// Directory checks that member and role arguments exist in the guild.
// A miss is reported as a VALIDATION error.
type Directory interface {
	ResolveMember(ctx context.Context, guildID, userID string) error
	ResolveRole(ctx context.Context, guildID, roleID string) error
}

func resolveMember(ctx context.Context, deps HandlerDeps, guildID, userID string) error {
	if deps.Directory == nil {
		return nil
	}
	return deps.Directory.ResolveMember(ctx, guildID, userID)
}

func resolveRole(ctx context.Context, deps HandlerDeps, guildID, roleID string) error {
	if deps.Directory == nil {
		return nil
	}
	return deps.Directory.ResolveRole(ctx, guildID, roleID)
}
