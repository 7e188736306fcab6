package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/discord"
	"github.com/edgard/expybot/internal/progression"
)

func ref(cmd Command, userID string) progression.MemberRef {
	return progression.MemberRef{GuildID: cmd.GuildID, UserID: userID}
}

func reply(ctx context.Context, log *zap.Logger, r Responder, text string) {
	if err := r.Reply(ctx, text); err != nil {
		log.Error("Failed to send reply", zap.Error(err))
	}
}

func replyEmbed(ctx context.Context, log *zap.Logger, r Responder, embed *discordgo.MessageEmbed) {
	if err := r.ReplyEmbed(ctx, embed); err != nil {
		log.Error("Failed to send embed reply", zap.Error(err))
	}
}

// NewHelpHandler returns a handler for the help command.
func NewHelpHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "help"))
		help := strings.ReplaceAll(deps.Config.Messages.Help, "{prefix}", deps.Config.Discord.Prefix)
		reply(ctx, log, r, help)
	}
}

// NewStatusHandler returns a handler reporting uptime.
func NewStatusHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "status"))
		uptime := time.Since(deps.StartedAt).Truncate(time.Second)
		replyEmbed(ctx, log, r, &discordgo.MessageEmbed{
			Title:       "Status",
			Description: fmt.Sprintf("Up for %s. Prefix is `%s`.", uptime, deps.Config.Discord.Prefix),
			Color:       discord.ColorInfo,
		})
	}
}

// NewLevelHandler returns a handler for the level command. The target
// defaults to the author.
func NewLevelHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "level"))

		userID := cmd.AuthorID
		if len(cmd.Args) > 0 {
			id, ok := ParseUserID(cmd.Args[0])
			if !ok {
				reply(ctx, log, r, "Please mention a member or give their ID.")
				return
			}
			userID = id
		}
		if userID != cmd.AuthorID {
			if err := resolveMember(ctx, deps, cmd.GuildID, userID); err != nil {
				replyFailure(ctx, deps, log, r, err)
				return
			}
		}

		standing, err := deps.Engine.Standing(ctx, ref(cmd, userID))
		if err != nil {
			log.Error("Failed to load standing", zap.String("user_id", userID), zap.Error(err))
			reply(ctx, log, r, deps.Config.Messages.GeneralError)
			return
		}
		if standing.Blacklisted {
			reply(ctx, log, r, discord.Mention(userID)+" is blacklisted from receiving any XP.")
			return
		}

		replyEmbed(ctx, log, r, &discordgo.MessageEmbed{
			Title: fmt.Sprintf("Level %d", standing.Level),
			Description: fmt.Sprintf("%s\n%d / %d XP",
				discord.Mention(userID), standing.XP, progression.XPFromLevel(standing.Level+1)),
			Color: discord.ColorInfo,
		})
	}
}

// NewLeaderboardHandler returns a handler for the leaderboard command.
func NewLeaderboardHandler(deps HandlerDeps) HandlerFunc {
	return func(ctx context.Context, r Responder, cmd Command) {
		log := deps.Logger.With(zap.String("handler", "leaderboard"))

		page := 1
		if len(cmd.Args) > 0 {
			if n, err := strconv.Atoi(cmd.Args[0]); err == nil && n > 0 {
				page = n
			}
		}
		pageSize := deps.Config.Progression.LeaderboardPageSize

		lp, err := deps.Engine.LeaderboardPage(ctx, cmd.GuildID, page, pageSize)
		if err != nil {
			log.Error("Failed to load leaderboard", zap.String("guild_id", cmd.GuildID), zap.Error(err))
			reply(ctx, log, r, deps.Config.Messages.GeneralError)
			return
		}
		// Past the end: show the first page.
		if len(lp.Entries) == 0 && lp.Page > 1 {
			if lp, err = deps.Engine.LeaderboardPage(ctx, cmd.GuildID, 1, pageSize); err != nil {
				log.Error("Failed to load leaderboard", zap.String("guild_id", cmd.GuildID), zap.Error(err))
				reply(ctx, log, r, deps.Config.Messages.GeneralError)
				return
			}
		}

		replyEmbed(ctx, log, r, LeaderboardEmbed(lp))
	}
}

// LeaderboardEmbed renders a leaderboard page.
func LeaderboardEmbed(lp progression.LeaderboardPage) *discordgo.MessageEmbed {
	var b strings.Builder
	for _, e := range lp.Entries {
		fmt.Fprintf(&b, "**#%d** %s - Level %d - %d XP\n", e.Position, discord.Mention(e.UserID), e.Level, e.XP)
	}
	if b.Len() == 0 {
		b.WriteString("Nobody has earned any XP yet.")
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Leaderboard - Page %d", lp.Page),
		Description: strings.TrimRight(b.String(), "\n"),
		Color:       discord.ColorInfo,
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Viewing page %d of %d", lp.Page, lp.TotalPages)},
	}
}
