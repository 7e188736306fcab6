package handlers

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Command is one prefixed command invocation.
type Command struct {
	Name string
	Args []string

	GuildID   string
	ChannelID string
	AuthorID  string
	// AuthorRoleIDs and Permissions describe the author in the invoking
	// channel. Permissions is a discordgo permission bit set.
	AuthorRoleIDs []string
	Permissions   int64
}

// Responder answers the message that carried a command.
type Responder interface {
	Reply(ctx context.Context, text string) error
	ReplyEmbed(ctx context.Context, embed *discordgo.MessageEmbed) error
}

// HandlerFunc handles a command.
type HandlerFunc func(ctx context.Context, r Responder, cmd Command)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// ParseCommand splits content into a lowercased command name and its
// arguments. ok is false when content does not start with prefix.
func ParseCommand(content, prefix string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(content[len(prefix):])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

var (
	userMentionPattern    = regexp.MustCompile(`^<@!?(\d+)>$`)
	roleMentionPattern    = regexp.MustCompile(`^<@&(\d+)>$`)
	channelMentionPattern = regexp.MustCompile(`^<#(\d+)>$`)
	snowflakePattern      = regexp.MustCompile(`^\d{15,21}$`)
)

func parseID(arg string, mention *regexp.Regexp) (string, bool) {
	if m := mention.FindStringSubmatch(arg); m != nil {
		return m[1], true
	}
	if snowflakePattern.MatchString(arg) {
		return arg, true
	}
	return "", false
}

// ParseUserID accepts a user mention or a raw ID.
func ParseUserID(arg string) (string, bool) { return parseID(arg, userMentionPattern) }

// ParseRoleID accepts a role mention or a raw ID.
func ParseRoleID(arg string) (string, bool) { return parseID(arg, roleMentionPattern) }

// ParsePositive parses a strictly positive integer.
func ParsePositive(arg string) (int64, bool) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// ParseNonNegative parses an integer that is zero or more.
func ParseNonNegative(arg string) (int64, bool) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
