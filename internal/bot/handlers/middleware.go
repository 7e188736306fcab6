// Package handlers contains Discord event handlers and prefix commands,
// along with their registration logic and middleware.
package handlers

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// IsAdmin reports whether the command author may use administrative
// commands: the Administrator permission or one of the configured roles.
func IsAdmin(cmd Command, adminRoleIDs []string) bool {
	if cmd.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, id := range cmd.AuthorRoleIDs {
		if slices.Contains(adminRoleIDs, id) {
			return true
		}
	}
	return false
}

// AdminOnly creates a middleware that rejects authors who are not guild
// administrators.
func AdminOnly(deps HandlerDeps) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, r Responder, cmd Command) {
			if IsAdmin(cmd, deps.Config.Discord.AdminRoleIDs) {
				next(ctx, r, cmd)
				return
			}

			log := deps.Logger.With(zap.String("middleware", "AdminOnly"))
			log.Warn("Unauthorized command attempt",
				zap.String("command", cmd.Name),
				zap.String("guild_id", cmd.GuildID),
				zap.String("user_id", cmd.AuthorID))

			if err := r.Reply(ctx, deps.Config.Messages.NotAuthorized); err != nil {
				log.Error("Failed to send unauthorized message", zap.Error(err), zap.String("channel_id", cmd.ChannelID))
			}
		}
	}
}
