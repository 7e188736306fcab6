package progression

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/metrics"
)

// AnomalyDetector reports XP decreases on reward paths to the audit sink.
// Reports are dispatched on their own goroutine and never block the caller.
type AnomalyDetector struct {
	audit   AuditPort
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewAnomalyDetector creates a detector writing to audit. A nil audit port
// leaves detection to the log line alone.
func NewAnomalyDetector(audit AuditPort, timeout time.Duration, logger *zap.Logger) *AnomalyDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnomalyDetector{
		audit:   audit,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "anomaly_detector")),
		now:     time.Now,
	}
}

// Inspect emits an anomaly when newXP is below oldXP. It reports whether
// one was emitted.
func (d *AnomalyDetector) Inspect(ctx context.Context, ref MemberRef, oldXP, newXP int64, cause string) bool {
	if newXP >= oldXP {
		return false
	}

	event := Anomaly{
		ID:         uuid.NewString(),
		Ref:        ref,
		OldXP:      oldXP,
		NewXP:      newXP,
		Cause:      cause,
		DetectedAt: d.now().UTC(),
	}
	metrics.Anomalies.WithLabelValues(cause).Inc()
	d.logger.Warn("Abnormal XP change",
		zap.String("anomaly_id", event.ID),
		zap.String("guild_id", ref.GuildID),
		zap.String("user_id", ref.UserID),
		zap.Int64("old_xp", oldXP),
		zap.Int64("new_xp", newXP),
		zap.String("cause", cause))

	if d.audit == nil {
		return true
	}

	// The dispatch outlives the triggering unit of work.
	dispatchCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			dispatchCtx, cancel = context.WithTimeout(dispatchCtx, d.timeout)
			defer cancel()
		}
		if err := d.audit.RecordAnomaly(dispatchCtx, event); err != nil {
			d.logger.Warn("Failed to record anomaly", zap.String("anomaly_id", event.ID), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every dispatched report has finished.
func (d *AnomalyDetector) Wait() {
	d.wg.Wait()
}
