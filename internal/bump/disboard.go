package bump

import (
	"context"
	"strings"
)

// Disboard credits every member mentioned in a "bump done" embed.
type Disboard struct{}

func (Disboard) Name() string { return "disboard" }

func (d Disboard) Recognize(_ context.Context, p Payload) ([]Match, error) {
	var matches []Match
	for _, e := range p.Embeds {
		if !strings.Contains(strings.ToLower(e.Description), "bump done") {
			continue
		}
		for _, id := range mentionedUsers(e.Description) {
			matches = append(matches, Match{UserID: id, Provenance: d.Name()})
		}
	}
	return matches, nil
}
