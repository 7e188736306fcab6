// Package bump recognizes server-listing bot confirmations and resolves
// them to the members that should receive the bump reward.
package bump

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Embed is the part of a message embed the recognizers inspect.
type Embed struct {
	Title       string
	Description string
}

// HistoryMessage is a previously posted message in the same channel.
type HistoryMessage struct {
	AuthorID    string
	AuthorIsBot bool
	Content     string
}

// HistorySource returns recent messages of a channel, newest first.
type HistorySource interface {
	Recent(ctx context.Context, channelID string, limit int) ([]HistoryMessage, error)
}

// Payload is a freshly posted message as seen by the gateway.
type Payload struct {
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	WebhookID   string
	Embeds      []Embed
	History     HistorySource
}

// Match is a member credited with a bump.
type Match struct {
	UserID     string
	Provenance string
}

// Recognizer detects one provider's bump confirmation.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, p Payload) ([]Match, error)
}

// Set runs every registered recognizer against incoming messages.
type Set struct {
	recognizers []Recognizer
	// trusted maps a recognizer name to the only bot allowed to trigger it.
	trusted map[string]string
	logger  *zap.Logger
}

// NewSet builds a recognizer set. providers optionally pins a recognizer
// name to the user ID of the listing bot; unpinned recognizers accept any
// bot author.
func NewSet(logger *zap.Logger, providers map[string]string, recognizers ...Recognizer) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	trusted := make(map[string]string, len(providers))
	for name, botID := range providers {
		if botID = strings.TrimSpace(botID); botID != "" {
			trusted[strings.ToLower(name)] = botID
		}
	}
	return &Set{recognizers: recognizers, trusted: trusted, logger: logger}
}

// DefaultRecognizers returns the built-in providers.
func DefaultRecognizers() []Recognizer {
	return []Recognizer{Disboard{}, DscGG{HistoryLimit: 50}}
}

// Recognize returns every member credited by the message. Only messages
// posted by bots, and never by webhooks, are inspected.
func (s *Set) Recognize(ctx context.Context, p Payload) []Match {
	if !p.AuthorIsBot || p.WebhookID != "" || len(p.Embeds) == 0 {
		return nil
	}

	var matches []Match
	for _, r := range s.recognizers {
		name := strings.ToLower(r.Name())
		if botID, ok := s.trusted[name]; ok && botID != p.AuthorID {
			continue
		}
		found, err := r.Recognize(ctx, p)
		if err != nil {
			s.logger.Warn("bump recognizer failed",
				zap.String("recognizer", name),
				zap.String("guild_id", p.GuildID),
				zap.String("channel_id", p.ChannelID),
				zap.Error(err))
			continue
		}
		matches = append(matches, found...)
	}
	return dedupe(matches)
}

func dedupe(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}
	seen := make(map[string]struct{}, len(matches))
	out := matches[:0]
	for _, m := range matches {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, m)
	}
	return out
}

var mentionPattern = regexp.MustCompile(`<@!?(\d{17,19})>`)

// mentionedUsers extracts user IDs from mention tokens in text, in order of
// appearance.
func mentionedUsers(text string) []string {
	var ids []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		ids = append(ids, m[1])
	}
	return ids
}
