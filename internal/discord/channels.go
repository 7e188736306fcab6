package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/audit"
	"github.com/edgard/expybot/internal/bump"
	"github.com/edgard/expybot/internal/progression"
)

// Embed colors.
const (
	ColorInfo    = 0x5865F2
	ColorSuccess = 0x57F287
	ColorWarning = 0xFEE75C
)

// ChannelAPI is the subset of *discordgo.Session used to read and post
// channel messages.
type ChannelAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Notifier posts level-up announcements.
type Notifier struct {
	api ChannelAPI
	// channels maps a guild ID to a channel that overrides the channel of
	// the triggering activity.
	channels map[string]string
	title    string
	format   string
	logger   *zap.Logger
}

var _ progression.NotificationPort = (*Notifier)(nil)

// NewNotifier creates a notifier. format receives the member mention and
// the new level.
func NewNotifier(api ChannelAPI, channels map[string]string, title, format string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: api, channels: channels, title: title, format: format, logger: logger}
}

// AnnounceLevelUp posts to the guild's configured level-up channel, or to
// the channel where the activity happened. With neither available it
// returns progression.ErrNoAnnounceChannel.
func (n *Notifier) AnnounceLevelUp(ctx context.Context, event progression.LevelUp) error {
	channelID := n.channels[event.Ref.GuildID]
	if channelID == "" {
		channelID = event.ChannelID
	}
	if channelID == "" {
		n.logger.Debug("No channel to announce level-up in",
			zap.String("guild_id", event.Ref.GuildID),
			zap.String("user_id", event.Ref.UserID),
			zap.Int64("level", event.Level))
		return progression.ErrNoAnnounceChannel
	}

	embed := &discordgo.MessageEmbed{
		Title:       n.title,
		Description: fmt.Sprintf(n.format, Mention(event.Ref.UserID), event.Level),
		Color:       ColorSuccess,
	}
	if _, err := n.api.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("announce level %d in channel %s: %w", event.Level, channelID, err)
	}
	return nil
}

// AuditChannel posts anomaly reports to a moderation channel.
type AuditChannel struct {
	api       ChannelAPI
	channelID string
}

var _ progression.AuditPort = (*AuditChannel)(nil)

func NewAuditChannel(api ChannelAPI, channelID string) *AuditChannel {
	return &AuditChannel{api: api, channelID: channelID}
}

func (a *AuditChannel) RecordAnomaly(ctx context.Context, event progression.Anomaly) error {
	content := "```\n" + audit.Format(event) + "\n```"
	if _, err := a.api.ChannelMessageSend(a.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("post anomaly %s to channel %s: %w", event.ID, a.channelID, err)
	}
	return nil
}

// History reads recent channel messages for the bump recognizers.
type History struct {
	api ChannelAPI
}

var _ bump.HistorySource = (*History)(nil)

func NewHistory(api ChannelAPI) *History {
	return &History{api: api}
}

// Recent returns up to limit messages, newest first. Discord caps a single
// page at 100.
func (h *History) Recent(ctx context.Context, channelID string, limit int) ([]bump.HistoryMessage, error) {
	if limit > 100 {
		limit = 100
	}
	msgs, err := h.api.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read history of channel %s: %w", channelID, err)
	}
	out := make([]bump.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Author == nil {
			continue
		}
		out = append(out, bump.HistoryMessage{
			AuthorID:    m.Author.ID,
			AuthorIsBot: m.Author.Bot,
			Content:     m.Content,
		})
	}
	return out, nil
}

// BumpPayload converts a gateway message into a recognizer payload.
func BumpPayload(m *discordgo.Message, history bump.HistorySource) bump.Payload {
	p := bump.Payload{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		WebhookID: m.WebhookID,
		History:   history,
	}
	if m.Author != nil {
		p.AuthorID = m.Author.ID
		p.AuthorIsBot = m.Author.Bot
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		p.Embeds = append(p.Embeds, bump.Embed{Title: e.Title, Description: e.Description})
	}
	return p
}
