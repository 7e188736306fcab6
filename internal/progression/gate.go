package progression

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/database"
	"github.com/edgard/expybot/internal/metrics"
	"github.com/edgard/expybot/internal/resilience"
)

// NotificationGate announces a level transition once and then advances the
// member's watermark. A failed announcement leaves the watermark alone so
// the next accrual tries again; a failed stamp after a successful
// announcement may cause one duplicate.
type NotificationGate struct {
	store    database.Store
	notifier NotificationPort
	breaker  *resilience.CircuitBreaker
	logger   *zap.Logger
}

func newNotificationGate(store database.Store, notifier NotificationPort, breaker *resilience.CircuitBreaker, logger *zap.Logger) *NotificationGate {
	return &NotificationGate{
		store:    store,
		notifier: notifier,
		breaker:  breaker,
		logger:   logger.With(zap.String("component", "notification_gate")),
	}
}

// Pass announces level for member if it differs from the watermark the
// member was read with. It reports whether an announcement went out.
func (g *NotificationGate) Pass(ctx context.Context, member *database.Member, level int64, channelID string) bool {
	if level == member.LastLevelReported {
		return false
	}

	ref := MemberRef{GuildID: member.GuildID, UserID: member.UserID}
	log := g.logger.With(
		zap.String("guild_id", ref.GuildID),
		zap.String("user_id", ref.UserID),
		zap.Int64("level", level))

	if g.notifier != nil {
		err := g.breaker.Execute(ctx, func(ctx context.Context) error {
			return g.notifier.AnnounceLevelUp(ctx, LevelUp{Ref: ref, Level: level, ChannelID: channelID})
		})
		switch {
		case errors.Is(err, ErrNoAnnounceChannel):
			log.Debug("Level-up left pending until it can be announced")
			return false
		case err != nil:
			metrics.NotificationFailures.Inc()
			log.Warn("Level-up announcement failed, watermark left unchanged", zap.Error(err))
			return false
		}
	}

	stamped, err := g.store.StampLevelWatermark(ctx, member.ID, member.LastLevelReported, level)
	switch {
	case err != nil:
		log.Warn("Failed to stamp level watermark after announcement", zap.Error(err))
	case !stamped:
		log.Debug("Level watermark already moved by a concurrent update")
	default:
		member.LastLevelReported = level
	}

	metrics.LevelUps.Inc()
	log.Info("Level-up announced")
	return true
}
