package progression

import (
	"context"
	"errors"
	"time"
)

// MemberRef identifies a member within a guild.
type MemberRef struct {
	GuildID string
	UserID  string
}

// RoleGrantPort mutates a member's roles on the chat platform. Calls are
// expected to be idempotent and order-independent.
type RoleGrantPort interface {
	// HeldTierRoles returns the subset of tierRoleIDs the member holds.
	HeldTierRoles(ctx context.Context, ref MemberRef, tierRoleIDs []string) (map[string]struct{}, error)
	Grant(ctx context.Context, ref MemberRef, roleID string) error
	Revoke(ctx context.Context, ref MemberRef, roleID string) error
}

// LevelUp is the payload of a level-up announcement.
type LevelUp struct {
	Ref   MemberRef
	Level int64
	// ChannelID is where the triggering activity happened, if any.
	ChannelID string
}

// ErrNoAnnounceChannel is returned by a NotificationPort that has nowhere to
// post a level-up. The announcement stays pending.
var ErrNoAnnounceChannel = errors.New("no channel to announce level-up in")

// NotificationPort announces level-ups.
type NotificationPort interface {
	AnnounceLevelUp(ctx context.Context, event LevelUp) error
}

// Anomaly records an XP decrease seen on a path that only ever rewards.
type Anomaly struct {
	ID         string
	Ref        MemberRef
	OldXP      int64
	NewXP      int64
	Cause      string
	DetectedAt time.Time
}

// AuditPort receives anomaly records. Delivery is fire-and-forget.
type AuditPort interface {
	RecordAnomaly(ctx context.Context, event Anomaly) error
}
