package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	apperrors "github.com/edgard/expybot/internal/errors"
)

// DirectoryAPI is the subset of *discordgo.Session used to look up guild
// members and roles.
type DirectoryAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// Directory checks that command arguments name real members and roles of a
// guild. Misses are VALIDATION errors; transport failures are returned
// wrapped.
type Directory struct {
	api DirectoryAPI
}

func NewDirectory(api DirectoryAPI) *Directory {
	return &Directory{api: api}
}

// ResolveMember fails unless userID is a current member of the guild.
func (d *Directory) ResolveMember(ctx context.Context, guildID, userID string) error {
	_, err := d.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return apperrors.NewValidationError("I couldn't find that member in this server.", nil)
	default:
		return fmt.Errorf("look up member %s: %w", userID, err)
	}
}

// ResolveRole fails unless roleID is a role of the guild.
func (d *Directory) ResolveRole(ctx context.Context, guildID, roleID string) error {
	roles, err := d.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("list roles of guild %s: %w", guildID, err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return nil
		}
	}
	return apperrors.NewValidationError("I couldn't find that role in this server.", nil)
}

func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}
