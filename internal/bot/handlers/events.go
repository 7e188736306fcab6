package handlers

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/discord"
	"github.com/edgard/expybot/internal/progression"
)

// messageResponder replies to a gateway message.
type messageResponder struct {
	s   *discordgo.Session
	msg *discordgo.Message
}

func (r messageResponder) Reply(ctx context.Context, text string) error {
	_, err := r.s.ChannelMessageSendReply(r.msg.ChannelID, text, r.msg.Reference(), discordgo.WithContext(ctx))
	return err
}

func (r messageResponder) ReplyEmbed(ctx context.Context, embed *discordgo.MessageEmbed) error {
	_, err := r.s.ChannelMessageSendEmbedReply(r.msg.ChannelID, embed, r.msg.Reference(), discordgo.WithContext(ctx))
	return err
}

// Events routes gateway events to the progression engine and the command
// router.
type Events struct {
	ctx    context.Context
	deps   HandlerDeps
	router *Router
	log    *zap.Logger
	now    func() time.Time
}

// NewEvents creates the gateway event handlers. ctx bounds every handler
// invocation.
func NewEvents(ctx context.Context, deps HandlerDeps, router *Router) *Events {
	return &Events{
		ctx:    ctx,
		deps:   deps,
		router: router,
		log:    deps.Logger.With(zap.String("component", "discord_events")),
		now:    time.Now,
	}
}

// Register attaches the handlers to a session.
func (e *Events) Register(s *discordgo.Session) {
	s.AddHandler(e.onReady)
	s.AddHandler(e.onMessageCreate)
	s.AddHandler(e.onVoiceStateUpdate)
	s.AddHandler(e.onGuildMemberAdd)
	s.AddHandler(e.onGuildMemberRemove)
}

func (e *Events) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	e.log.Info("Connected to Discord gateway",
		zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
}

func (e *Events) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID == "" || m.Author == nil || m.WebhookID != "" {
		return
	}
	if m.Author.Bot {
		e.handleBump(s, m.Message)
		return
	}

	ctx := e.ctx
	r := progression.MemberRef{GuildID: m.GuildID, UserID: m.Author.ID}
	if _, err := e.deps.Engine.ApplyMessageAccrual(ctx, r, m.ChannelID, utf8.RuneCountInString(m.Content)); err != nil {
		e.log.Error("Message accrual failed",
			zap.String("guild_id", m.GuildID), zap.String("user_id", m.Author.ID), zap.Error(err))
	}

	resp := messageResponder{s: s, msg: m.Message}
	prefix := e.deps.Config.Discord.Prefix
	if s.State != nil && s.State.User != nil && isSelfMention(m.Content, s.State.User.ID) {
		reply(ctx, e.log, resp, fmt.Sprintf("This server's Expy prefix is `%s`.", prefix))
		return
	}

	name, args, ok := ParseCommand(m.Content, prefix)
	if !ok {
		return
	}
	cmd := Command{
		Name:      name,
		Args:      args,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
	}
	if m.Member != nil {
		cmd.AuthorRoleIDs = m.Member.Roles
	}
	if perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
		cmd.Permissions = perms
	} else {
		e.log.Debug("Could not resolve channel permissions", zap.String("user_id", m.Author.ID), zap.Error(err))
	}

	if e.router.Dispatch(ctx, resp, cmd) {
		e.log.Debug("Handled command", zap.String("command", name), zap.String("user_id", m.Author.ID))
	}
}

func isSelfMention(content, botID string) bool {
	return content == "<@"+botID+">" || content == "<@!"+botID+">"
}

func (e *Events) handleBump(s *discordgo.Session, m *discordgo.Message) {
	if e.deps.Bumps == nil {
		return
	}
	for _, match := range e.deps.Bumps.Recognize(e.ctx, discord.BumpPayload(m, e.deps.History)) {
		r := progression.MemberRef{GuildID: m.GuildID, UserID: match.UserID}
		res, err := e.deps.Engine.ApplyBumpAccrual(e.ctx, r, match.Provenance, m.ChannelID)
		if err != nil {
			e.log.Error("Bump accrual failed",
				zap.String("guild_id", m.GuildID), zap.String("user_id", match.UserID), zap.Error(err))
			continue
		}
		if res.Skipped {
			continue
		}
		text := fmt.Sprintf("%s Here's %d XP for bumping, for a new total of %d.",
			discord.Mention(match.UserID), res.Delta, res.XP)
		if _, err := s.ChannelMessageSend(m.ChannelID, text, discordgo.WithContext(e.ctx)); err != nil {
			e.log.Warn("Failed to thank bumper", zap.String("channel_id", m.ChannelID), zap.Error(err))
		}
	}
}

// VoiceTransition decides which session steps a voice state change implies.
// knownBefore is false when the previous state was not cached.
func VoiceTransition(before string, knownBefore bool, after string) (end, start bool) {
	if knownBefore && before == after {
		return false, false
	}
	return !knownBefore || before != "", after != ""
}

func (e *Events) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.GuildID == "" {
		return
	}
	if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		return
	}

	before, knownBefore := "", v.BeforeUpdate != nil
	if knownBefore {
		before = v.BeforeUpdate.ChannelID
	}
	end, start := VoiceTransition(before, knownBefore, v.ChannelID)
	r := progression.MemberRef{GuildID: v.GuildID, UserID: v.UserID}
	now := e.now()

	if end {
		if _, err := e.deps.Engine.EndVoiceSession(e.ctx, r, before, v.ChannelID, now); err != nil {
			e.log.Error("Failed to close voice session", zap.String("user_id", v.UserID), zap.Error(err))
		}
	}
	if start {
		if err := e.deps.Engine.StartVoiceSession(e.ctx, r, v.ChannelID, now); err != nil {
			e.log.Error("Failed to open voice session", zap.String("user_id", v.UserID), zap.Error(err))
		}
	}
}

func (e *Events) onGuildMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	r := progression.MemberRef{GuildID: m.GuildID, UserID: m.User.ID}
	if err := e.deps.Engine.MemberJoined(e.ctx, r); err != nil {
		e.log.Error("Failed to register joining member", zap.String("user_id", m.User.ID), zap.Error(err))
	}
}

func (e *Events) onGuildMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	r := progression.MemberRef{GuildID: m.GuildID, UserID: m.User.ID}
	if err := e.deps.Engine.MemberLeft(e.ctx, r); err != nil {
		e.log.Error("Failed to register leaving member", zap.String("user_id", m.User.ID), zap.Error(err))
	}
}
