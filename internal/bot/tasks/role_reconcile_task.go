package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// newRoleReconcileTask re-applies tier roles in every guild that has rank
// tiers. It repairs role changes lost to platform failures.
func newRoleReconcileTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With(zap.String("task", "role_reconcile"))

	return func(ctx context.Context) error {
		startTime := time.Now()
		guildIDs, err := deps.Store.ListRankedGuildIDs(ctx)
		if err != nil {
			return fmt.Errorf("list guilds with ranks: %w", err)
		}

		var errs []error
		visited := 0
		for _, guildID := range guildIDs {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			n, err := deps.Reconciler.ReconcileGuild(ctx, guildID)
			visited += n
			if err != nil {
				log.Error("Guild role reconcile failed", zap.String("guild_id", guildID), zap.Error(err))
				errs = append(errs, fmt.Errorf("guild %s: %w", guildID, err))
			}
		}

		log.Info("Role reconcile finished",
			zap.Int("guilds", len(guildIDs)),
			zap.Int("members", visited),
			zap.Duration("duration", time.Since(startTime)))
		return errors.Join(errs...)
	}
}
