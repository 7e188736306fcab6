package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/edgard/expybot/internal/progression"
)

// MemberAPI is the subset of *discordgo.Session used for role management.
type MemberAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// RolePort grants and revokes tier roles through the Discord API.
type RolePort struct {
	api MemberAPI
}

var _ progression.RoleGrantPort = (*RolePort)(nil)

func NewRolePort(api MemberAPI) *RolePort {
	return &RolePort{api: api}
}

// HeldTierRoles reads the member's current roles and keeps the tier ones.
func (p *RolePort) HeldTierRoles(ctx context.Context, ref progression.MemberRef, tierRoleIDs []string) (map[string]struct{}, error) {
	member, err := p.api.GuildMember(ref.GuildID, ref.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch member %s: %w", ref.UserID, err)
	}
	tiers := make(map[string]struct{}, len(tierRoleIDs))
	for _, id := range tierRoleIDs {
		tiers[id] = struct{}{}
	}
	held := make(map[string]struct{})
	for _, id := range member.Roles {
		if _, ok := tiers[id]; ok {
			held[id] = struct{}{}
		}
	}
	return held, nil
}

func (p *RolePort) Grant(ctx context.Context, ref progression.MemberRef, roleID string) error {
	if err := p.api.GuildMemberRoleAdd(ref.GuildID, ref.UserID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("grant role %s to %s: %w", roleID, ref.UserID, err)
	}
	return nil
}

func (p *RolePort) Revoke(ctx context.Context, ref progression.MemberRef, roleID string) error {
	if err := p.api.GuildMemberRoleRemove(ref.GuildID, ref.UserID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("revoke role %s from %s: %w", roleID, ref.UserID, err)
	}
	return nil
}
