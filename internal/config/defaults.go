package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPrefix              = "$"
	DefaultXPIncreaseConstant  = 200
	DefaultBumpXP              = 25
	DefaultLeaderboardPageSize = 10
	DefaultLedgerMaxAttempts   = 5
	DefaultPortTimeout         = 5 * time.Second
	DefaultLeaderboardTTL      = 30 * time.Second
)

const defaultHelp = `**Expy commands** (prefix {prefix})
{prefix}level [member] - show XP and level
{prefix}leaderboard [page] - top members
{prefix}status - bot status
Admin:
{prefix}addrank <level> <role> | {prefix}removerank <level|role> | {prefix}ranks
{prefix}blacklist [member|channel]
{prefix}reward <member> <xp> | {prefix}sanction <member> <xp>
{prefix}setxp <member> <xp> | {prefix}setlevel <member> <level>`

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "expy.db")

	v.SetDefault("discord.prefix", DefaultPrefix)

	v.SetDefault("progression.xp_increase_constant", DefaultXPIncreaseConstant)
	v.SetDefault("progression.bump_xp", DefaultBumpXP)
	v.SetDefault("progression.leaderboard_page_size", DefaultLeaderboardPageSize)
	v.SetDefault("progression.ledger_max_attempts", DefaultLedgerMaxAttempts)
	v.SetDefault("progression.port_timeout", DefaultPortTimeout)

	v.SetDefault("redis.leaderboard_ttl", DefaultLeaderboardTTL)

	v.SetDefault("scheduler.tasks", map[string]any{
		"sql_maintenance": map[string]any{"enabled": true, "schedule": "0 0 4 * * *"},
		"role_reconcile":  map[string]any{"enabled": true, "schedule": "0 */30 * * * *"},
	})

	v.SetDefault("messages.help", defaultHelp)
	v.SetDefault("messages.not_authorized", "You need administrator permissions to use this command.")
	v.SetDefault("messages.general_error", "Something went wrong. Please try again later.")
	v.SetDefault("messages.level_up_title", "Level up!")
	v.SetDefault("messages.level_up", "%s just reached level **%d**!")
}
