package progression

import (
	"fmt"

	"github.com/edgard/expybot/internal/database"
	apperrors "github.com/edgard/expybot/internal/errors"
)

// Tier pairs a level threshold with the role granted from that level on.
type Tier struct {
	Level  int64
	RoleID string
}

func tiersFromRanks(ranks []database.Rank) []Tier {
	tiers := make([]Tier, 0, len(ranks))
	for _, r := range ranks {
		tiers = append(tiers, Tier{Level: r.Level, RoleID: r.RoleID})
	}
	return tiers
}

// ResolveTier returns the tier with the highest level not above level.
// ok is false when no tier qualifies. Two tiers sharing a level is an
// integrity fault and is reported rather than resolved.
func ResolveTier(level int64, tiers []Tier) (tier Tier, ok bool, err error) {
	seen := make(map[int64]struct{}, len(tiers))
	for _, t := range tiers {
		if _, dup := seen[t.Level]; dup {
			return Tier{}, false, apperrors.NewIntegrityError(
				fmt.Sprintf("two rank tiers configured for level %d", t.Level), nil)
		}
		seen[t.Level] = struct{}{}

		if t.Level <= level && (!ok || t.Level > tier.Level) {
			tier, ok = t, true
		}
	}
	return tier, ok, nil
}
