package progression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/database"
	apperrors "github.com/edgard/expybot/internal/errors"
	"github.com/edgard/expybot/internal/metrics"
	"github.com/edgard/expybot/internal/resilience"
)

// Accrual sources.
const (
	SourceMessage = "message"
	SourceBump    = "bump"
	SourceVoice   = "voice"
	SourceAdmin   = "admin"
)

// errSkip aborts a member mutation without writing.
var errSkip = errors.New("mutation skipped")

// Options tunes the Engine. Zero values take the defaults below.
type Options struct {
	XPIncreaseConstant int64
	BumpXP             int64
	LedgerMaxAttempts  int
	PortTimeout        time.Duration
}

// Deps are the collaborators the Engine calls into. Roles, Notifier, Audit
// and Leaderboard are optional.
type Deps struct {
	Store       database.Store
	Roles       RoleGrantPort
	Notifier    NotificationPort
	Audit       AuditPort
	Leaderboard LeaderboardCache
	Logger      *zap.Logger
}

// Result describes the member state after an XP change.
type Result struct {
	XP    int64
	Level int64
	Delta int64
	// LeveledUp is true when a level-up announcement went out.
	LeveledUp bool
	// Skipped is true when blacklisting suppressed the change.
	Skipped bool
}

// Standing summarizes a member's progression.
type Standing struct {
	XP          int64
	Level       int64
	NextLevelXP int64
	Blacklisted bool
}

// Blacklist lists what is excluded from accrual in a guild.
type Blacklist struct {
	ChannelIDs []string
	UserIDs    []string
}

// Engine orchestrates accrual, the ledger, level and tier resolution,
// notifications and role synchronization.
type Engine struct {
	store       database.Store
	leaderboard LeaderboardCache
	anomalies   *AnomalyDetector
	gate        *NotificationGate
	roles       *RoleSynchronizer
	retry       resilience.RetryConfig
	opts        Options
	logger      *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("progression engine requires a store")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.XPIncreaseConstant <= 0 {
		opts.XPIncreaseConstant = 200
	}
	if opts.BumpXP < 0 {
		return nil, fmt.Errorf("bump xp must be non-negative, got %d", opts.BumpXP)
	}
	if opts.LedgerMaxAttempts <= 0 {
		opts.LedgerMaxAttempts = 5
	}
	if opts.PortTimeout <= 0 {
		opts.PortTimeout = 5 * time.Second
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.LedgerMaxAttempts
	retry.RetryIf = func(err error) bool { return errors.Is(err, apperrors.ErrConcurrencyConflict) }
	retry.Logger = log

	rolesBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "role_grant", Timeout: opts.PortTimeout, Logger: log,
	})
	notifyBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "notification", Timeout: opts.PortTimeout, Logger: log,
		Expected: func(err error) bool { return errors.Is(err, ErrNoAnnounceChannel) },
	})

	return &Engine{
		store:       deps.Store,
		leaderboard: deps.Leaderboard,
		anomalies:   NewAnomalyDetector(deps.Audit, opts.PortTimeout, log),
		gate:        newNotificationGate(deps.Store, deps.Notifier, notifyBreaker, log),
		roles:       newRoleSynchronizer(deps.Roles, rolesBreaker, log),
		retry:       retry,
		opts:        opts,
		logger:      log.With(zap.String("component", "progression_engine")),
	}, nil
}

// Wait blocks until fire-and-forget audit dispatches have finished.
func (e *Engine) Wait() {
	e.anomalies.Wait()
}

// mutate loads or creates the member, applies fn and writes the result with
// an optimistic version check, retrying from a fresh read on conflict.
// When fn returns errSkip nothing is written and skipped is true.
func (e *Engine) mutate(ctx context.Context, ref MemberRef, fn func(m *database.Member) error) (before, after database.Member, skipped bool, err error) {
	start := time.Now()
	defer func() { metrics.LedgerUpdateDuration.Observe(time.Since(start).Seconds()) }()

	err = resilience.WithRetry(ctx, func(ctx context.Context) error {
		m, err := e.store.GetOrCreateMember(ctx, ref.GuildID, ref.UserID)
		if err != nil {
			return err
		}
		before = *m

		if err := fn(m); err != nil {
			if errors.Is(err, errSkip) {
				skipped = true
				after = before
				return nil
			}
			return err
		}

		if err := e.store.UpdateMember(ctx, m); err != nil {
			if errors.Is(err, apperrors.ErrConcurrencyConflict) {
				metrics.LedgerConflicts.Inc()
			}
			return err
		}
		skipped = false
		after = *m
		return nil
	}, e.retry)

	if err != nil && errors.Is(err, resilience.ErrExhaustedRetries) {
		e.logger.Warn("Ledger update kept conflicting",
			zap.String("guild_id", ref.GuildID), zap.String("user_id", ref.UserID), zap.Error(err))
		return before, after, false, apperrors.NewConflictError("ledger update", err)
	}
	return before, after, skipped, err
}

// accrue applies one reward trigger. channelID is checked against the
// channel blacklist and may be empty when the source has no channel;
// announceID is where a resulting level-up is announced.
func (e *Engine) accrue(ctx context.Context, ref MemberRef, source, channelID, announceID, cause string,
	compute func(m *database.Member) (int64, error),
) (Result, error) {
	if channelID != "" {
		blocked, err := e.store.IsChannelBlacklisted(ctx, ref.GuildID, channelID)
		if err != nil {
			metrics.Accruals.WithLabelValues(source, metrics.ResultError).Inc()
			return Result{}, err
		}
		if blocked {
			metrics.Accruals.WithLabelValues(source, metrics.ResultSkipped).Inc()
			return Result{Skipped: true}, nil
		}
	}

	var delta int64
	before, after, skipped, err := e.mutate(ctx, ref, func(m *database.Member) error {
		if m.IsBlacklisted {
			return errSkip
		}
		d, err := compute(m)
		if err != nil {
			return err
		}
		delta = d
		m.XP = addXP(m.XP, d)
		return nil
	})
	if err != nil {
		metrics.Accruals.WithLabelValues(source, metrics.ResultError).Inc()
		return Result{}, err
	}
	if skipped {
		metrics.Accruals.WithLabelValues(source, metrics.ResultSkipped).Inc()
		return Result{XP: before.XP, Level: LevelFromXP(before.XP), Skipped: true}, nil
	}

	return e.afterReward(ctx, ref, source, announceID, cause, before, after, delta)
}

// afterReward runs the post-commit steps of a reward path: leaderboard
// invalidation, anomaly detection, the notification gate and role
// synchronization.
func (e *Engine) afterReward(ctx context.Context, ref MemberRef, source, announceID, cause string,
	before, after database.Member, delta int64,
) (Result, error) {
	metrics.Accruals.WithLabelValues(source, metrics.ResultAwarded).Inc()
	if delta > 0 {
		metrics.XPAwarded.WithLabelValues(source).Add(float64(delta))
	}
	if after.XP != before.XP {
		e.invalidate(ctx, ref.GuildID)
	}

	e.anomalies.Inspect(ctx, ref, before.XP, after.XP, cause)

	level := LevelFromXP(after.XP)
	res := Result{XP: after.XP, Level: level, Delta: after.XP - before.XP}
	res.LeveledUp = e.gate.Pass(ctx, &after, level, announceID)

	if err := e.syncRoles(ctx, ref, level); err != nil {
		return res, err
	}
	return res, nil
}

// syncRoles reconciles tier roles. Port failures are logged and dropped;
// only integrity faults in the stored tiers are returned.
func (e *Engine) syncRoles(ctx context.Context, ref MemberRef, level int64) error {
	ranks, err := e.store.ListRanks(ctx, ref.GuildID)
	if err != nil {
		e.logger.Warn("Could not load rank tiers for role sync",
			zap.String("guild_id", ref.GuildID), zap.Error(err))
		return nil
	}

	err = e.roles.Sync(ctx, ref, level, tiersFromRanks(ranks))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrDataIntegrity):
		e.logger.Error("Rank tiers are inconsistent", zap.String("guild_id", ref.GuildID), zap.Error(err))
		return err
	default:
		e.logger.Warn("Role synchronization failed",
			zap.String("guild_id", ref.GuildID), zap.String("user_id", ref.UserID), zap.Error(err))
		return nil
	}
}

// ApplyMessageAccrual rewards a message of messageLength characters sent
// in channelID.
func (e *Engine) ApplyMessageAccrual(ctx context.Context, ref MemberRef, channelID string, messageLength int) (Result, error) {
	if messageLength < 0 {
		return Result{}, apperrors.NewValidationError("message length must be non-negative", nil)
	}
	return e.accrue(ctx, ref, SourceMessage, channelID, channelID, "they were rewarded for a message",
		func(m *database.Member) (int64, error) {
			delta, carry, err := MessageAccrual(int64(messageLength), m.CharacterCarry, e.opts.XPIncreaseConstant)
			if err != nil {
				return 0, err
			}
			m.CharacterCarry = carry
			return delta, nil
		})
}

// ApplyBumpAccrual grants the flat bump reward. provenance names the
// recognizer that matched and announceID is the channel the bump was
// confirmed in. Bumps are not tied to a channel for blacklisting, so only
// member blacklisting applies.
func (e *Engine) ApplyBumpAccrual(ctx context.Context, ref MemberRef, provenance, announceID string) (Result, error) {
	e.logger.Debug("Bump recognized",
		zap.String("guild_id", ref.GuildID), zap.String("user_id", ref.UserID), zap.String("provenance", provenance))
	return e.accrue(ctx, ref, SourceBump, "", announceID, "they were rewarded for bumping the server",
		func(*database.Member) (int64, error) { return e.opts.BumpXP, nil })
}

// ApplyVoiceAccrual rewards durationMinutes of voice presence.
func (e *Engine) ApplyVoiceAccrual(ctx context.Context, ref MemberRef, durationMinutes int64) (Result, error) {
	if durationMinutes < 0 {
		return Result{}, apperrors.NewValidationError("voice duration must be non-negative", nil)
	}
	return e.accrue(ctx, ref, SourceVoice, "", "", "they were rewarded for voice activity",
		func(*database.Member) (int64, error) { return durationMinutes, nil })
}

// StartVoiceSession opens a voice session at "at". Joining a blacklisted
// channel clears any open session instead.
func (e *Engine) StartVoiceSession(ctx context.Context, ref MemberRef, channelID string, at time.Time) error {
	blocked, err := e.store.IsChannelBlacklisted(ctx, ref.GuildID, channelID)
	if err != nil {
		return err
	}
	_, _, _, err = e.mutate(ctx, ref, func(m *database.Member) error {
		if m.IsBlacklisted {
			return errSkip
		}
		if blocked {
			if !m.JoinedVoiceAt.Valid {
				return errSkip
			}
			m.JoinedVoiceAt = sql.NullTime{}
			return nil
		}
		m.JoinedVoiceAt = sql.NullTime{Time: at.UTC(), Valid: true}
		return nil
	})
	return err
}

// EndVoiceSession closes the member's voice session at "at" and rewards its
// whole minutes. The session is discarded without XP when either the
// channel being left or the channel moved to is blacklisted; currentID is
// empty on a disconnect. The session is cleared whatever the outcome and a
// level-up is announced in the channel being left.
func (e *Engine) EndVoiceSession(ctx context.Context, ref MemberRef, formerID, currentID string, at time.Time) (Result, error) {
	blocked := false
	for _, channelID := range []string{formerID, currentID} {
		if channelID == "" || blocked {
			continue
		}
		var err error
		if blocked, err = e.store.IsChannelBlacklisted(ctx, ref.GuildID, channelID); err != nil {
			return Result{}, err
		}
	}

	var delta int64
	before, after, skipped, err := e.mutate(ctx, ref, func(m *database.Member) error {
		delta = 0
		if !m.JoinedVoiceAt.Valid {
			return errSkip
		}
		joined := m.JoinedVoiceAt.Time
		m.JoinedVoiceAt = sql.NullTime{}
		if m.IsBlacklisted || blocked {
			return nil
		}
		delta = VoiceMinutes(joined, at)
		m.XP = addXP(m.XP, delta)
		return nil
	})
	if err != nil {
		metrics.Accruals.WithLabelValues(SourceVoice, metrics.ResultError).Inc()
		return Result{}, err
	}
	if skipped || after.IsBlacklisted || blocked {
		metrics.Accruals.WithLabelValues(SourceVoice, metrics.ResultSkipped).Inc()
		return Result{XP: after.XP, Level: LevelFromXP(after.XP), Skipped: true}, nil
	}

	return e.afterReward(ctx, ref, SourceVoice, formerID, "they were rewarded for voice activity", before, after, delta)
}

// AdjustXP adds delta (which may be negative) to the member's XP, clamping
// at zero. Administrative changes are silent: the watermark is moved to the
// new level without an announcement. Anomaly detection runs unless
// isAdminCorrection marks the change as an intended decrease.
func (e *Engine) AdjustXP(ctx context.Context, ref MemberRef, delta int64, isAdminCorrection bool) (Result, error) {
	before, after, _, err := e.mutate(ctx, ref, func(m *database.Member) error {
		m.XP = addXP(m.XP, delta)
		m.LastLevelReported = LevelFromXP(m.XP)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if !isAdminCorrection {
		e.anomalies.Inspect(ctx, ref, before.XP, after.XP, "they were rewarded")
	}
	return e.afterAdmin(ctx, ref, before, after)
}

// SetXP sets the member's XP. It never triggers anomaly detection.
func (e *Engine) SetXP(ctx context.Context, ref MemberRef, xp int64) (Result, error) {
	if xp < 0 {
		return Result{}, apperrors.NewValidationError(fmt.Sprintf("xp must be non-negative, got %d", xp), nil)
	}
	before, after, _, err := e.mutate(ctx, ref, func(m *database.Member) error {
		m.XP = xp
		m.LastLevelReported = LevelFromXP(xp)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return e.afterAdmin(ctx, ref, before, after)
}

// SetLevel sets the member's XP to the minimum XP of level.
func (e *Engine) SetLevel(ctx context.Context, ref MemberRef, level int64) (Result, error) {
	if level < 0 || level > MaxLevel {
		return Result{}, apperrors.NewValidationError(
			fmt.Sprintf("level must be between 0 and %d, got %d", MaxLevel, level), nil)
	}
	return e.SetXP(ctx, ref, XPFromLevel(level))
}

func (e *Engine) afterAdmin(ctx context.Context, ref MemberRef, before, after database.Member) (Result, error) {
	metrics.Accruals.WithLabelValues(SourceAdmin, metrics.ResultAwarded).Inc()
	e.invalidate(ctx, ref.GuildID)
	level := LevelFromXP(after.XP)
	e.logger.Info("XP adjusted by administrator",
		zap.String("guild_id", ref.GuildID), zap.String("user_id", ref.UserID),
		zap.Int64("old_xp", before.XP), zap.Int64("new_xp", after.XP))

	res := Result{XP: after.XP, Level: level, Delta: after.XP - before.XP}
	if err := e.syncRoles(ctx, ref, level); err != nil {
		return res, err
	}
	return res, nil
}

// AddRankTier saves a tier, replacing tiers with the same level or role.
// The replaced tiers are returned.
func (e *Engine) AddRankTier(ctx context.Context, guildID string, level int64, roleID string) ([]Tier, error) {
	if level < 0 || level > MaxLevel {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("level must be between 0 and %d, got %d", MaxLevel, level), nil)
	}
	replaced, err := e.store.UpsertRank(ctx, guildID, level, roleID)
	if err != nil {
		return nil, err
	}
	return tiersFromRanks(replaced), nil
}

// RemoveRankTierByLevel removes the tier at level.
func (e *Engine) RemoveRankTierByLevel(ctx context.Context, guildID string, level int64) (Tier, error) {
	r, err := e.store.DeleteRankByLevel(ctx, guildID, level)
	if err != nil {
		return Tier{}, err
	}
	return Tier{Level: r.Level, RoleID: r.RoleID}, nil
}

// RemoveRankTierByRole removes the tier granting roleID.
func (e *Engine) RemoveRankTierByRole(ctx context.Context, guildID, roleID string) (Tier, error) {
	r, err := e.store.DeleteRankByRole(ctx, guildID, roleID)
	if err != nil {
		return Tier{}, err
	}
	return Tier{Level: r.Level, RoleID: r.RoleID}, nil
}

// ListRankTiers returns the guild's tiers ordered by level.
func (e *Engine) ListRankTiers(ctx context.Context, guildID string) ([]Tier, error) {
	ranks, err := e.store.ListRanks(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return tiersFromRanks(ranks), nil
}

// ToggleChannelBlacklist flips the channel's blacklist state and returns it.
func (e *Engine) ToggleChannelBlacklist(ctx context.Context, guildID, channelID string) (bool, error) {
	return e.store.ToggleChannelBlacklist(ctx, guildID, channelID)
}

// ToggleMemberBlacklist flips the member's blacklist flag and returns it.
func (e *Engine) ToggleMemberBlacklist(ctx context.Context, ref MemberRef) (bool, error) {
	_, after, _, err := e.mutate(ctx, ref, func(m *database.Member) error {
		m.IsBlacklisted = !m.IsBlacklisted
		return nil
	})
	if err != nil {
		return false, err
	}
	e.invalidate(ctx, ref.GuildID)
	return after.IsBlacklisted, nil
}

// Blacklist lists the guild's blacklisted channels and members.
func (e *Engine) Blacklist(ctx context.Context, guildID string) (Blacklist, error) {
	channels, err := e.store.ListBlacklistedChannels(ctx, guildID)
	if err != nil {
		return Blacklist{}, err
	}
	members, err := e.store.ListBlacklistedMembers(ctx, guildID)
	if err != nil {
		return Blacklist{}, err
	}

	var bl Blacklist
	for _, c := range channels {
		bl.ChannelIDs = append(bl.ChannelIDs, c.ChannelID)
	}
	for _, m := range members {
		bl.UserIDs = append(bl.UserIDs, m.UserID)
	}
	return bl, nil
}

// Standing returns the member's XP, level and distance to the next level.
func (e *Engine) Standing(ctx context.Context, ref MemberRef) (Standing, error) {
	m, err := e.store.GetOrCreateMember(ctx, ref.GuildID, ref.UserID)
	if err != nil {
		return Standing{}, err
	}
	return Standing{
		XP:          m.XP,
		Level:       LevelFromXP(m.XP),
		NextLevelXP: XPToNextLevel(m.XP),
		Blacklisted: m.IsBlacklisted,
	}, nil
}

// LeaderboardPage returns one page of the guild leaderboard, ordered by XP
// descending with ties in record creation order. Pages are 1-based.
func (e *Engine) LeaderboardPage(ctx context.Context, guildID string, page, pageSize int) (LeaderboardPage, error) {
	page, pageSize = normalizePage(page, pageSize)
	load := func(ctx context.Context) (LeaderboardPage, error) {
		return e.loadLeaderboard(ctx, guildID, page, pageSize)
	}
	if e.leaderboard == nil {
		return load(ctx)
	}
	return e.leaderboard.Fetch(ctx, guildID, page, pageSize, load)
}

func (e *Engine) loadLeaderboard(ctx context.Context, guildID string, page, pageSize int) (LeaderboardPage, error) {
	total, err := e.store.CountRanked(ctx, guildID)
	if err != nil {
		return LeaderboardPage{}, err
	}
	offset := (page - 1) * pageSize
	members, err := e.store.LeaderboardPage(ctx, guildID, offset, pageSize)
	if err != nil {
		return LeaderboardPage{}, err
	}

	lp := LeaderboardPage{
		GuildID:    guildID,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
		Total:      total,
		Entries:    make([]LeaderboardEntry, 0, len(members)),
	}
	for i, m := range members {
		lp.Entries = append(lp.Entries, LeaderboardEntry{
			Position: offset + i + 1,
			UserID:   m.UserID,
			XP:       m.XP,
			Level:    LevelFromXP(m.XP),
		})
	}
	return lp, nil
}

func (e *Engine) invalidate(ctx context.Context, guildID string) {
	if e.leaderboard == nil {
		return
	}
	if err := e.leaderboard.Invalidate(ctx, guildID); err != nil {
		e.logger.Warn("Failed to invalidate leaderboard cache", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// MemberJoined marks the member as present and restores their tier role.
func (e *Engine) MemberJoined(ctx context.Context, ref MemberRef) error {
	_, after, _, err := e.mutate(ctx, ref, func(m *database.Member) error {
		if m.IsMember {
			return errSkip
		}
		m.IsMember = true
		return nil
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, ref.GuildID)
	return e.syncRoles(ctx, ref, LevelFromXP(after.XP))
}

// MemberLeft marks the member as gone. Their progression is kept.
func (e *Engine) MemberLeft(ctx context.Context, ref MemberRef) error {
	_, _, _, err := e.mutate(ctx, ref, func(m *database.Member) error {
		if !m.IsMember {
			return errSkip
		}
		m.IsMember = false
		m.JoinedVoiceAt = sql.NullTime{}
		return nil
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, ref.GuildID)
	return nil
}

// SyncMember reconciles one member's tier roles with their stored level.
func (e *Engine) SyncMember(ctx context.Context, ref MemberRef) error {
	m, err := e.store.GetOrCreateMember(ctx, ref.GuildID, ref.UserID)
	if err != nil {
		return err
	}
	return e.syncRoles(ctx, ref, LevelFromXP(m.XP))
}

// ReconcileGuild re-synchronizes the tier roles of every present member of
// a guild that has tiers. It returns the number of members visited.
func (e *Engine) ReconcileGuild(ctx context.Context, guildID string) (int, error) {
	ranks, err := e.store.ListRanks(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if len(ranks) == 0 {
		return 0, nil
	}
	tiers := tiersFromRanks(ranks)

	members, err := e.store.ListMembers(ctx, guildID)
	if err != nil {
		return 0, err
	}

	failed := 0
	for i, m := range members {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		ref := MemberRef{GuildID: m.GuildID, UserID: m.UserID}
		if err := e.roles.Sync(ctx, ref, LevelFromXP(m.XP), tiers); err != nil {
			if errors.Is(err, apperrors.ErrDataIntegrity) {
				return i, err
			}
			failed++
			e.logger.Debug("Member role reconcile failed", zap.String("user_id", m.UserID), zap.Error(err))
		}
	}
	if failed > 0 {
		e.logger.Warn("Role reconcile finished with failures",
			zap.String("guild_id", guildID), zap.Int("members", len(members)), zap.Int("failed", failed))
	}
	return len(members), nil
}
