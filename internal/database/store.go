package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/edgard/expybot/internal/errors"
)

// Store defines the persistence operations of the progression ledger.
// Every method accepts a context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// GetOrCreateMember returns the member record, inserting one with
	// default values when none exists yet.
	GetOrCreateMember(ctx context.Context, guildID, userID string) (*Member, error)

	// UpdateMember writes every mutable column of m if the stored version
	// still equals m.Version, and bumps the version. It returns
	// apperrors.ErrConcurrencyConflict when another writer got there first.
	UpdateMember(ctx context.Context, m *Member) error

	// StampLevelWatermark sets last_level_reported to "to" only if it still
	// equals "from". It reports whether the stamp was applied.
	StampLevelWatermark(ctx context.Context, memberID, from, to int64) (bool, error)

	// ListMembers returns the members currently in the guild.
	ListMembers(ctx context.Context, guildID string) ([]Member, error)

	// ListRankedGuildIDs returns every guild that has at least one rank tier.
	ListRankedGuildIDs(ctx context.Context) ([]string, error)

	// LeaderboardPage returns ranked members ordered by XP descending, ties
	// broken by creation order. Blacklisted members and members who left
	// the guild are excluded.
	LeaderboardPage(ctx context.Context, guildID string, offset, limit int) ([]Member, error)

	// CountRanked counts the members LeaderboardPage can return.
	CountRanked(ctx context.Context, guildID string) (int64, error)

	// ListRanks returns the guild's rank tiers ordered by level.
	ListRanks(ctx context.Context, guildID string) ([]Rank, error)

	// UpsertRank inserts a tier, first deleting any tier of the guild with
	// the same level or role. The deleted tiers are returned.
	UpsertRank(ctx context.Context, guildID string, level int64, roleID string) ([]Rank, error)

	// DeleteRankByLevel removes the tier at level.
	DeleteRankByLevel(ctx context.Context, guildID string, level int64) (*Rank, error)

	// DeleteRankByRole removes the tier granting roleID.
	DeleteRankByRole(ctx context.Context, guildID, roleID string) (*Rank, error)

	// IsChannelBlacklisted reports whether accrual is disabled in the channel.
	IsChannelBlacklisted(ctx context.Context, guildID, channelID string) (bool, error)

	// ToggleChannelBlacklist flips the channel's blacklist marker and
	// returns the new state.
	ToggleChannelBlacklist(ctx context.Context, guildID, channelID string) (bool, error)

	// ListBlacklistedChannels returns the guild's blacklisted channels.
	ListBlacklistedChannels(ctx context.Context, guildID string) ([]BlacklistedChannel, error)

	// ListBlacklistedMembers returns the guild's blacklisted members.
	ListBlacklistedMembers(ctx context.Context, guildID string) ([]Member, error)
}

const memberColumns = `id, guild_id, user_id, xp, character_carry, last_level_reported,
        is_blacklisted, is_member, joined_voice_at, version, created_at, updated_at`

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// fail logs err for op and wraps it as a database error. Context
// expiry is logged at Warn since it is the caller's doing.
func (s *sqlxStore) fail(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("Database operation interrupted", fields...)
	} else {
		s.logger.Error("Database operation failed", fields...)
	}
	return apperrors.NewDatabaseError(op, err)
}

func (s *sqlxStore) GetOrCreateMember(ctx context.Context, guildID, userID string) (*Member, error) {
	if guildID == "" || userID == "" {
		return nil, apperrors.NewValidationError("guild_id and user_id are required", nil)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	insert := `
        INSERT INTO members (guild_id, user_id, xp, character_carry, last_level_reported,
                             is_blacklisted, is_member, version, created_at, updated_at)
        VALUES (?, ?, 0, 0, 0, 0, 1, 0, ?, ?)
        ON CONFLICT (guild_id, user_id) DO NOTHING;
    `
	res, err := s.db.ExecContext(ctx, insert, guildID, userID, now, now)
	if err != nil {
		return nil, s.fail("insert member", err, zap.String("guild_id", guildID), zap.String("user_id", userID))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.logger.Debug("Created member record", zap.String("guild_id", guildID), zap.String("user_id", userID))
	}

	var m Member
	query := `SELECT ` + memberColumns + ` FROM members WHERE guild_id = ? AND user_id = ?;`
	if err := s.db.GetContext(ctx, &m, query, guildID, userID); err != nil {
		return nil, s.fail("select member", err, zap.String("guild_id", guildID), zap.String("user_id", userID))
	}
	return &m, nil
}

func (s *sqlxStore) UpdateMember(ctx context.Context, m *Member) error {
	if m == nil {
		return apperrors.NewValidationError("cannot update nil member", nil)
	}
	if m.XP < 0 {
		return apperrors.NewValidationError(fmt.Sprintf("xp must be non-negative, got %d", m.XP), nil)
	}
	if m.CharacterCarry < 0 {
		return apperrors.NewValidationError(fmt.Sprintf("character carry must be non-negative, got %d", m.CharacterCarry), nil)
	}

	m.UpdatedAt = time.Now().UTC()
	query := `
        UPDATE members
        SET xp = :xp,
            character_carry = :character_carry,
            last_level_reported = :last_level_reported,
            is_blacklisted = :is_blacklisted,
            is_member = :is_member,
            joined_voice_at = :joined_voice_at,
            updated_at = :updated_at,
            version = version + 1
        WHERE id = :id AND version = :version;
    `
	res, err := s.db.NamedExecContext(ctx, query, m)
	if err != nil {
		return s.fail("update member", err, zap.Int64("member_id", m.ID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return s.fail("update member rows affected", err, zap.Int64("member_id", m.ID))
	}
	if affected == 0 {
		s.logger.Debug("Member version moved on, update rejected",
			zap.Int64("member_id", m.ID), zap.Int64("version", m.Version))
		return apperrors.ErrConcurrencyConflict
	}

	m.Version++
	return nil
}

func (s *sqlxStore) StampLevelWatermark(ctx context.Context, memberID, from, to int64) (bool, error) {
	query := `
        UPDATE members
        SET last_level_reported = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND last_level_reported = ?;
    `
	res, err := s.db.ExecContext(ctx, query, to, time.Now().UTC(), memberID, from)
	if err != nil {
		return false, s.fail("stamp level watermark", err, zap.Int64("member_id", memberID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("stamp level watermark rows affected", err, zap.Int64("member_id", memberID))
	}
	return affected == 1, nil
}

func (s *sqlxStore) ListMembers(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	query := `SELECT ` + memberColumns + ` FROM members WHERE guild_id = ? AND is_member = 1 ORDER BY id;`
	if err := s.db.SelectContext(ctx, &members, query, guildID); err != nil {
		return nil, s.fail("list members", err, zap.String("guild_id", guildID))
	}
	return members, nil
}

func (s *sqlxStore) ListRankedGuildIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT guild_id FROM ranks ORDER BY guild_id;`); err != nil {
		return nil, s.fail("list ranked guilds", err)
	}
	return ids, nil
}

func (s *sqlxStore) LeaderboardPage(ctx context.Context, guildID string, offset, limit int) ([]Member, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, apperrors.NewValidationError("leaderboard limit must be positive", nil)
	}

	var members []Member
	query := `
        SELECT ` + memberColumns + `
        FROM members
        WHERE guild_id = ? AND is_blacklisted = 0 AND is_member = 1
        ORDER BY xp DESC, id ASC
        LIMIT ? OFFSET ?;
    `
	if err := s.db.SelectContext(ctx, &members, query, guildID, limit, offset); err != nil {
		return nil, s.fail("leaderboard page", err, zap.String("guild_id", guildID))
	}
	return members, nil
}

func (s *sqlxStore) CountRanked(ctx context.Context, guildID string) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM members WHERE guild_id = ? AND is_blacklisted = 0 AND is_member = 1;`
	if err := s.db.GetContext(ctx, &n, query, guildID); err != nil {
		return 0, s.fail("count ranked", err, zap.String("guild_id", guildID))
	}
	return n, nil
}

func (s *sqlxStore) ListRanks(ctx context.Context, guildID string) ([]Rank, error) {
	var ranks []Rank
	query := `SELECT id, guild_id, level, role_id FROM ranks WHERE guild_id = ? ORDER BY level ASC, id ASC;`
	if err := s.db.SelectContext(ctx, &ranks, query, guildID); err != nil {
		return nil, s.fail("list ranks", err, zap.String("guild_id", guildID))
	}
	return ranks, nil
}

func (s *sqlxStore) UpsertRank(ctx context.Context, guildID string, level int64, roleID string) ([]Rank, error) {
	if level < 0 {
		return nil, apperrors.NewValidationError(fmt.Sprintf("rank level must be non-negative, got %d", level), nil)
	}
	if guildID == "" || roleID == "" {
		return nil, apperrors.NewValidationError("guild_id and role_id are required", nil)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.fail("begin upsert rank", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Warn("Error rolling back transaction", zap.Error(rollbackErr))
			}
		}
	}()

	var conflicting []Rank
	selectQuery := `
        SELECT id, guild_id, level, role_id FROM ranks
        WHERE guild_id = ? AND (level = ? OR role_id = ?);
    `
	if err := tx.SelectContext(ctx, &conflicting, selectQuery, guildID, level, roleID); err != nil {
		return nil, s.fail("select conflicting ranks", err, zap.String("guild_id", guildID))
	}

	replaced := make([]Rank, 0, len(conflicting))
	for _, r := range conflicting {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ranks WHERE id = ?;`, r.ID); err != nil {
			return nil, s.fail("delete conflicting rank", err, zap.Int64("rank_id", r.ID))
		}
		if r.Level != level || r.RoleID != roleID {
			replaced = append(replaced, r)
		}
	}

	insert := `INSERT INTO ranks (guild_id, level, role_id) VALUES (?, ?, ?);`
	if _, err := tx.ExecContext(ctx, insert, guildID, level, roleID); err != nil {
		return nil, s.fail("insert rank", err, zap.String("guild_id", guildID), zap.Int64("level", level))
	}

	if err := tx.Commit(); err != nil {
		return nil, s.fail("commit upsert rank", err)
	}
	tx = nil

	s.logger.Info("Rank tier saved",
		zap.String("guild_id", guildID), zap.Int64("level", level),
		zap.String("role_id", roleID), zap.Int("replaced", len(replaced)))
	return replaced, nil
}

func (s *sqlxStore) DeleteRankByLevel(ctx context.Context, guildID string, level int64) (*Rank, error) {
	return s.deleteRank(ctx, guildID, "level = ?", level)
}

func (s *sqlxStore) DeleteRankByRole(ctx context.Context, guildID, roleID string) (*Rank, error) {
	return s.deleteRank(ctx, guildID, "role_id = ?", roleID)
}

func (s *sqlxStore) deleteRank(ctx context.Context, guildID, cond string, arg any) (*Rank, error) {
	var r Rank
	query := `SELECT id, guild_id, level, role_id FROM ranks WHERE guild_id = ? AND ` + cond + `;`
	err := s.db.GetContext(ctx, &r, query, guildID, arg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no rank tier matches %v", arg))
	case err != nil:
		return nil, s.fail("select rank", err, zap.String("guild_id", guildID))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM ranks WHERE id = ?;`, r.ID); err != nil {
		return nil, s.fail("delete rank", err, zap.Int64("rank_id", r.ID))
	}
	s.logger.Info("Rank tier removed",
		zap.String("guild_id", guildID), zap.Int64("level", r.Level), zap.String("role_id", r.RoleID))
	return &r, nil
}

func (s *sqlxStore) IsChannelBlacklisted(ctx context.Context, guildID, channelID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM blacklisted_channels WHERE guild_id = ? AND channel_id = ?;`
	if err := s.db.GetContext(ctx, &n, query, guildID, channelID); err != nil {
		return false, s.fail("check channel blacklist", err, zap.String("channel_id", channelID))
	}
	return n > 0, nil
}

func (s *sqlxStore) ToggleChannelBlacklist(ctx context.Context, guildID, channelID string) (bool, error) {
	if guildID == "" || channelID == "" {
		return false, apperrors.NewValidationError("guild_id and channel_id are required", nil)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, s.fail("begin toggle channel blacklist", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Warn("Error rolling back transaction", zap.Error(rollbackErr))
			}
		}
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM blacklisted_channels WHERE guild_id = ? AND channel_id = ?;`, guildID, channelID)
	if err != nil {
		return false, s.fail("delete channel blacklist", err, zap.String("channel_id", channelID))
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("delete channel blacklist rows affected", err)
	}

	blacklisted := removed == 0
	if blacklisted {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO blacklisted_channels (guild_id, channel_id, created_at) VALUES (?, ?, ?);`,
			guildID, channelID, time.Now().UTC())
		if err != nil {
			return false, s.fail("insert channel blacklist", err, zap.String("channel_id", channelID))
		}
	}

	if err := tx.Commit(); err != nil {
		return false, s.fail("commit toggle channel blacklist", err)
	}
	tx = nil

	s.logger.Info("Channel blacklist toggled",
		zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Bool("blacklisted", blacklisted))
	return blacklisted, nil
}

func (s *sqlxStore) ListBlacklistedChannels(ctx context.Context, guildID string) ([]BlacklistedChannel, error) {
	var channels []BlacklistedChannel
	query := `SELECT guild_id, channel_id, created_at FROM blacklisted_channels WHERE guild_id = ? ORDER BY created_at;`
	if err := s.db.SelectContext(ctx, &channels, query, guildID); err != nil {
		return nil, s.fail("list blacklisted channels", err, zap.String("guild_id", guildID))
	}
	return channels, nil
}

func (s *sqlxStore) ListBlacklistedMembers(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	query := `SELECT ` + memberColumns + ` FROM members WHERE guild_id = ? AND is_blacklisted = 1 ORDER BY id;`
	if err := s.db.SelectContext(ctx, &members, query, guildID); err != nil {
		return nil, s.fail("list blacklisted members", err, zap.String("guild_id", guildID))
	}
	return members, nil
}

// RunSQLMaintenance runs VACUUM, which SQLite only allows outside a transaction.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.Warn("Context done before starting VACUUM", zap.Error(ctx.Err()))
		return ctx.Err()
	}

	s.logger.Info("Starting database maintenance (VACUUM)")
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.Warn("VACUUM timed out or was cancelled", zap.Error(err))
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		return s.fail("vacuum", err)
	}

	s.logger.Info("Database maintenance (VACUUM) completed")
	return nil
}
