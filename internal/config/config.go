// Package config loads and validates Expy's configuration.
package config

import (
	"time"
)

// Config is the root configuration. Values come from defaults, an optional
// YAML file and EXPY_* environment variables, in increasing precedence.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Discord     DiscordConfig     `mapstructure:"discord"`
	Progression ProgressionConfig `mapstructure:"progression"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Messages    MessagesConfig    `mapstructure:"messages"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type DiscordConfig struct {
	Token  string `mapstructure:"token"  validate:"required"`
	Prefix string `mapstructure:"prefix" validate:"required,max=5"`
	// AdminRoleIDs grant command access in addition to the Administrator permission.
	AdminRoleIDs []string `mapstructure:"admin_role_ids"`
	// LevelUpChannels maps a guild ID to the channel receiving its level-up
	// announcements. Guilds without an entry announce where the activity
	// happened.
	LevelUpChannels map[string]string `mapstructure:"level_up_channels"`
	AuditChannelID  string            `mapstructure:"audit_channel_id"`
}

type ProgressionConfig struct {
	XPIncreaseConstant  int64         `mapstructure:"xp_increase_constant"  validate:"min=1"`
	BumpXP              int64         `mapstructure:"bump_xp"               validate:"min=0"`
	LeaderboardPageSize int           `mapstructure:"leaderboard_page_size" validate:"min=1,max=50"`
	LedgerMaxAttempts   int           `mapstructure:"ledger_max_attempts"   validate:"min=1,max=20"`
	PortTimeout         time.Duration `mapstructure:"port_timeout"          validate:"min=100ms,max=1m"`
	// BumpProviders optionally pins each recognizer to the user ID of the
	// bump bot it trusts, keyed by recognizer name.
	BumpProviders map[string]string `mapstructure:"bump_providers"`
}

type RedisConfig struct {
	// Addr enables the leaderboard page cache when set.
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"              validate:"min=0"`
	LeaderboardTTL time.Duration `mapstructure:"leaderboard_ttl" validate:"min=0"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"         validate:"required_with=AuditChatID"`
	AuditChatID int64  `mapstructure:"audit_chat_id" validate:"required_with=Token"`
}

// Enabled reports whether the Telegram audit relay is configured.
func (t TelegramConfig) Enabled() bool { return t.Token != "" && t.AuditChatID != 0 }

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SchedulerConfig holds scheduled task settings keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// MessagesConfig holds user-facing reply strings.
type MessagesConfig struct {
	Help          string `mapstructure:"help"           validate:"required"`
	NotAuthorized string `mapstructure:"not_authorized" validate:"required"`
	GeneralError  string `mapstructure:"general_error"  validate:"required"`
	LevelUpTitle  string `mapstructure:"level_up_title" validate:"required"`
	// LevelUp is a fmt format receiving the member mention and the new level.
	LevelUp string `mapstructure:"level_up" validate:"required"`
}
