package bump

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const dscggCommand = ">bump"

// DscGG credits the author of the most recent ">bump" command once the
// listing bot confirms with a "link bumped" embed.
type DscGG struct {
	// HistoryLimit caps how many recent messages are searched.
	HistoryLimit int
}

func (DscGG) Name() string { return "dsc.gg" }

func (d DscGG) Recognize(ctx context.Context, p Payload) ([]Match, error) {
	confirmed := false
	for _, e := range p.Embeds {
		if strings.Contains(strings.ToLower(e.Title), "link bumped") {
			confirmed = true
			break
		}
	}
	if !confirmed {
		return nil, nil
	}
	if p.History == nil {
		return nil, errors.New("no message history available")
	}

	limit := d.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	recent, err := p.History.Recent(ctx, p.ChannelID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent messages: %w", err)
	}
	for _, m := range recent {
		if m.AuthorIsBot || m.AuthorID == "" {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), dscggCommand) {
			return []Match{{UserID: m.AuthorID, Provenance: d.Name()}}, nil
		}
	}
	return nil, nil
}
