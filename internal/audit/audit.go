// Package audit delivers XP anomaly records to moderation sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgard/expybot/internal/progression"
)

// Format renders an anomaly as a short plain-text report.
func Format(event progression.Anomaly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "XP anomaly %s\n", event.ID)
	fmt.Fprintf(&b, "Guild: %s\nUser: %s\n", event.Ref.GuildID, event.Ref.UserID)
	fmt.Fprintf(&b, "XP: %d -> %d (%+d)\n", event.OldXP, event.NewXP, event.NewXP-event.OldXP)
	if event.Cause != "" {
		fmt.Fprintf(&b, "Cause: %s\n", event.Cause)
	}
	fmt.Fprintf(&b, "Detected: %s", event.DetectedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Fanout forwards every anomaly to all of its sinks.
type Fanout []progression.AuditPort

var _ progression.AuditPort = Fanout(nil)

// RecordAnomaly delivers event to each sink, joining their failures.
func (f Fanout) RecordAnomaly(ctx context.Context, event progression.Anomaly) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.RecordAnomaly(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
