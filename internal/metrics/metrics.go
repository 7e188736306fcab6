// Package metrics holds the Prometheus collectors exported by Expy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "expy"

// Accrual results.
const (
	ResultAwarded = "awarded"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

var (
	Accruals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accruals_total",
		Help:      "Accrual triggers processed, by source and result.",
	}, []string{"source", "result"})

	XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "xp_awarded_total",
		Help:      "XP added to the ledger, by source.",
	}, []string{"source"})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "XP decreases observed on reward paths.",
	}, []string{"cause"})

	LevelUps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "level_ups_total",
		Help:      "Level-up announcements sent.",
	})

	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Level-up announcements that failed to send.",
	})

	RoleSyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "role_sync_failures_total",
		Help:      "Failed role synchronization calls, by operation.",
	}, []string{"op"})

	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_conflicts_total",
		Help:      "Optimistic-lock conflicts on member updates.",
	})

	LedgerUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_update_duration_seconds",
		Help:      "Time spent committing a member mutation, retries included.",
		Buckets:   prometheus.DefBuckets,
	})

	LeaderboardCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_cache_total",
		Help:      "Leaderboard page cache lookups, by outcome.",
	}, []string{"outcome"})
)
