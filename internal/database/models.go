package database

import (
	"database/sql"
	"time"
)

// Member is the progression record of one user in one guild.
type Member struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GuildID string `db:"guild_id"`
	UserID  string `db:"user_id"`

	XP             int64 `db:"xp"`
	CharacterCarry int64 `db:"character_carry"`
	// LastLevelReported is the highest level already announced.
	LastLevelReported int64 `db:"last_level_reported"`

	IsBlacklisted bool         `db:"is_blacklisted"`
	IsMember      bool         `db:"is_member"`
	JoinedVoiceAt sql.NullTime `db:"joined_voice_at"`

	// Version is the optimistic concurrency token checked by UpdateMember.
	Version int64 `db:"version"`
}

// Rank maps a level threshold to a role within a guild.
type Rank struct {
	ID      int64  `db:"id"`
	GuildID string `db:"guild_id"`
	Level   int64  `db:"level"`
	RoleID  string `db:"role_id"`
}

// BlacklistedChannel marks a channel where no XP is earned.
type BlacklistedChannel struct {
	GuildID   string    `db:"guild_id"`
	ChannelID string    `db:"channel_id"`
	CreatedAt time.Time `db:"created_at"`
}
