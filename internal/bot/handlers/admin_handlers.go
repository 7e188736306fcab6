package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/discord"
	apperrors "github.com/edgard/expybot/internal/errors"
	"github.com/edgard/expybot/internal/progression"
)

// replyFailure answers with the validation message when err is one, and
// with the generic error text otherwise.
func replyFailure(ctx context.Context, deps HandlerDeps, log *zap.Logger, r Responder, err error) {
	switch apperrors.Code(err) {
	case apperrors.CodeValidation, apperrors.CodeNotFound:
		reply(ctx, log, r, err.Error())
	default:
		log.Error("Command failed", zap.Error(err))
		reply(ctx, log, r, deps.Config.Messages.GeneralError)
	}
}

// NewAddRankHandler returns a handler for addrank <level> <role>.
func NewAddRankHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "addrank"))
		if len(cmd.Args) < 2 {
			reply(ctx, log, r, "Please specify a level and a role.")
			return
		}
		level, ok := ParseNonNegative(cmd.Args[0])
		if !ok {
			reply(ctx, log, r, "Please specify a level to create the rank for.")
			return
		}
		roleID, ok := ParseRoleID(cmd.Args[1])
		if !ok {
			reply(ctx, log, r, "Please specify a role to create the rank for.")
			return
		}
		if err := resolveRole(ctx, deps, cmd.GuildID, roleID); err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}

		replaced, err := deps.Engine.AddRankTier(ctx, cmd.GuildID, level, roleID)
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		log.Info("Rank tier saved",
			zap.String("guild_id", cmd.GuildID), zap.Int64("level", level),
			zap.String("role_id", roleID), zap.Int("replaced", len(replaced)))

		msg := fmt.Sprintf("<@&%s> has been assigned to level %d.", roleID, level)
		for _, t := range replaced {
			msg += fmt.Sprintf("\nReplaced <@&%s> at level %d.", t.RoleID, t.Level)
		}
		reply(ctx, log, r, msg)
	}
}

// NewRemoveRankHandler returns a handler for removerank <level|role>.
func NewRemoveRankHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "removerank"))
		if len(cmd.Args) < 1 {
			reply(ctx, log, r, "Please specify a level or a role to remove the rank for.")
			return
		}

		var (
			removed progression.Tier
			err     error
		)
		if level, ok := ParseNonNegative(cmd.Args[0]); ok {
			removed, err = deps.Engine.RemoveRankTierByLevel(ctx, cmd.GuildID, level)
		} else if roleID, ok := ParseRoleID(cmd.Args[0]); ok {
			removed, err = deps.Engine.RemoveRankTierByRole(ctx, cmd.GuildID, roleID)
		} else {
			reply(ctx, log, r, "Please specify a level or a role to remove the rank for.")
			return
		}
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		reply(ctx, log, r, fmt.Sprintf("The rank for <@&%s> at level %d has been removed.", removed.RoleID, removed.Level))
	}
}

// NewRanksHandler returns a handler listing the guild's rank tiers.
func NewRanksHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "ranks"))
		tiers, err := deps.Engine.ListRankTiers(ctx, cmd.GuildID)
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		if len(tiers) == 0 {
			reply(ctx, log, r, fmt.Sprintf("This server has no ranks yet. Create one with `%saddrank <level> <role>`.",
				deps.Config.Discord.Prefix))
			return
		}

		lines := make([]string, 0, len(tiers))
		for _, t := range tiers {
			lines = append(lines, fmt.Sprintf("Level %d - <@&%s>", t.Level, t.RoleID))
		}
		replyEmbed(ctx, log, r, &discordgo.MessageEmbed{
			Title:       "Ranks",
			Description: strings.Join(lines, "\n"),
			Color:       discord.ColorInfo,
		})
	}
}

// NewBlacklistHandler returns a handler for blacklist [member|channel].
// Without arguments it lists the blacklist. Raw IDs are read as members;
// channels must be mentioned.
func NewBlacklistHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "blacklist"))

		if len(cmd.Args) == 0 {
			bl, err := deps.Engine.Blacklist(ctx, cmd.GuildID)
			if err != nil {
				replyFailure(ctx, deps, log, r, err)
				return
			}
			replyEmbed(ctx, log, r, BlacklistEmbed(bl))
			return
		}

		arg := cmd.Args[0]
		if m := channelMentionPattern.FindStringSubmatch(arg); m != nil {
			channelID := m[1]
			on, err := deps.Engine.ToggleChannelBlacklist(ctx, cmd.GuildID, channelID)
			if err != nil {
				replyFailure(ctx, deps, log, r, err)
				return
			}
			reply(ctx, log, r, fmt.Sprintf("<#%s> has been %s.", channelID, blacklistVerb(on)))
			return
		}
		if userID, ok := ParseUserID(arg); ok {
			if err := resolveMember(ctx, deps, cmd.GuildID, userID); err != nil {
				replyFailure(ctx, deps, log, r, err)
				return
			}
			on, err := deps.Engine.ToggleMemberBlacklist(ctx, ref(cmd, userID))
			if err != nil {
				replyFailure(ctx, deps, log, r, err)
				return
			}
			reply(ctx, log, r, fmt.Sprintf("%s has been %s.", discord.Mention(userID), blacklistVerb(on)))
			return
		}
		reply(ctx, log, r, "Please specify a member or channel to blacklist.")
	}
}

func blacklistVerb(on bool) string {
	if on {
		return "blacklisted"
	}
	return "unblacklisted"
}

// BlacklistEmbed renders the guild blacklist.
func BlacklistEmbed(bl progression.Blacklist) *discordgo.MessageEmbed {
	channels := make([]string, 0, len(bl.ChannelIDs))
	for _, id := range bl.ChannelIDs {
		channels = append(channels, "<#"+id+">")
	}
	members := make([]string, 0, len(bl.UserIDs))
	for _, id := range bl.UserIDs {
		members = append(members, discord.Mention(id))
	}
	orNone := func(items []string) string {
		if len(items) == 0 {
			return "None"
		}
		return strings.Join(items, ", ")
	}
	return &discordgo.MessageEmbed{
		Title: "Blacklist",
		Color: discord.ColorWarning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Blacklisted channels", Value: orNone(channels)},
			{Name: "Blacklisted members", Value: orNone(members)},
		},
	}
}

// memberAmount parses the common "<member> <n>" argument shape.
func memberAmount(cmd Command, parse func(string) (int64, bool)) (string, int64, bool) {
	if len(cmd.Args) < 2 {
		return "", 0, false
	}
	userID, ok := ParseUserID(cmd.Args[0])
	if !ok {
		return "", 0, false
	}
	n, ok := parse(cmd.Args[1])
	if !ok {
		return "", 0, false
	}
	return userID, n, true
}

func replyStanding(ctx context.Context, log *zap.Logger, r Responder, userID string, res progression.Result) {
	reply(ctx, log, r, fmt.Sprintf("%s now has %d XP and is on level %d.", discord.Mention(userID), res.XP, res.Level))
}

// NewAdjustHandler returns the reward handler, or the sanction handler when
// sanction is true. Sanctions are intended decreases and skip anomaly
// reporting.
func NewAdjustHandler(deps HandlerDeps, sanction bool) HandlerFunc {
	name, usage := "reward", "Please specify a member and the amount of XP to reward them with."
	if sanction {
		name, usage = "sanction", "Please specify a member and the amount of XP to sanction them by."
	}
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", name))
		userID, amount, ok := memberAmount(cmd, ParsePositive)
		if !ok {
			reply(ctx, log, r, usage)
			return
		}
		if err := resolveMember(ctx, deps, cmd.GuildID, userID); err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		delta := amount
		if sanction {
			delta = -amount
		}
		res, err := deps.Engine.AdjustXP(ctx, ref(cmd, userID), delta, sanction)
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		replyStanding(ctx, log, r, userID, res)
	}
}

// NewSetXPHandler returns a handler for setxp <member> <xp>.
func NewSetXPHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "setxp"))
		userID, xp, ok := memberAmount(cmd, ParseNonNegative)
		if !ok {
			reply(ctx, log, r, "Please specify a member and their new XP.")
			return
		}
		if err := resolveMember(ctx, deps, cmd.GuildID, userID); err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		res, err := deps.Engine.SetXP(ctx, ref(cmd, userID), xp)
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		replyStanding(ctx, log, r, userID, res)
	}
}

// NewSetLevelHandler returns a handler for setlevel <member> <level>.
func NewSetLevelHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "setlevel"))
		userID, level, ok := memberAmount(cmd, ParseNonNegative)
		if !ok {
			reply(ctx, log, r, "Please specify a member and their new level.")
			return
		}
		if err := resolveMember(ctx, deps, cmd.GuildID, userID); err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		res, err := deps.Engine.SetLevel(ctx, ref(cmd, userID), level)
		if err != nil {
			replyFailure(ctx, deps, log, r, err)
			return
		}
		replyStanding(ctx, log, r, userID, res)
	}
}
