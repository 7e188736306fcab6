package progression

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/metrics"
	"github.com/edgard/expybot/internal/resilience"
)

// RolePlan is the set of role changes that brings a member in line with
// their resolved tier.
type RolePlan struct {
	Grant  string
	Revoke []string
}

// Empty reports whether the plan changes nothing.
func (p RolePlan) Empty() bool { return p.Grant == "" && len(p.Revoke) == 0 }

// PlanRoleSync revokes every held tier role other than the desired one and
// grants the desired role when it is not held yet. Pass ok=false when no
// tier applies.
func PlanRoleSync(held map[string]struct{}, desired Tier, ok bool) RolePlan {
	var plan RolePlan
	for roleID := range held {
		if ok && roleID == desired.RoleID {
			continue
		}
		plan.Revoke = append(plan.Revoke, roleID)
	}
	sort.Strings(plan.Revoke)

	if ok {
		if _, has := held[desired.RoleID]; !has {
			plan.Grant = desired.RoleID
		}
	}
	return plan
}

// RoleSynchronizer applies role plans through the RoleGrantPort.
type RoleSynchronizer struct {
	roles   RoleGrantPort
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

func newRoleSynchronizer(roles RoleGrantPort, breaker *resilience.CircuitBreaker, logger *zap.Logger) *RoleSynchronizer {
	return &RoleSynchronizer{
		roles:   roles,
		breaker: breaker,
		logger:  logger.With(zap.String("component", "role_synchronizer")),
	}
}

// Sync reconciles the member's tier roles with the tier resolved for level.
// Every change is attempted even if an earlier one fails; the failures
// are joined into the returned error.
func (s *RoleSynchronizer) Sync(ctx context.Context, ref MemberRef, level int64, tiers []Tier) error {
	if s.roles == nil || len(tiers) == 0 {
		return nil
	}

	desired, ok, err := ResolveTier(level, tiers)
	if err != nil {
		return err
	}

	tierRoleIDs := make([]string, 0, len(tiers))
	for _, t := range tiers {
		tierRoleIDs = append(tierRoleIDs, t.RoleID)
	}

	var held map[string]struct{}
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		held, err = s.roles.HeldTierRoles(ctx, ref, tierRoleIDs)
		return err
	})
	if err != nil {
		metrics.RoleSyncFailures.WithLabelValues("read").Inc()
		return fmt.Errorf("read held tier roles: %w", err)
	}

	plan := PlanRoleSync(held, desired, ok)
	if plan.Empty() {
		return nil
	}

	log := s.logger.With(zap.String("guild_id", ref.GuildID), zap.String("user_id", ref.UserID))
	var errs []error
	for _, roleID := range plan.Revoke {
		if err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.roles.Revoke(ctx, ref, roleID)
		}); err != nil {
			metrics.RoleSyncFailures.WithLabelValues("revoke").Inc()
			errs = append(errs, fmt.Errorf("revoke %s: %w", roleID, err))
			continue
		}
		log.Debug("Revoked tier role", zap.String("role_id", roleID))
	}
	if plan.Grant != "" {
		if err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.roles.Grant(ctx, ref, plan.Grant)
		}); err != nil {
			metrics.RoleSyncFailures.WithLabelValues("grant").Inc()
			errs = append(errs, fmt.Errorf("grant %s: %w", plan.Grant, err))
		} else {
			log.Debug("Granted tier role", zap.String("role_id", plan.Grant))
		}
	}
	return errors.Join(errs...)
}
