// Package metrics declares the Prometheus collectors exported by Memory Bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memorybridge"

var (
	// SessionStarts counts session start attempts.
	// Labels: tier, result (allowed, limit_exceeded, busy, error)
	SessionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "session_starts_total",
			Help:      "Session start attempts by tier and gate result",
		},
		[]string{"tier", "result"},
	)

	// LowWaterSignals counts advisory limit-imminent signals.
	// Labels: kind (quota, retention)
	LowWaterSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "low_water_signals_total",
			Help:      "Limit-imminent signals emitted",
		},
		[]string{"kind"},
	)

	// RetentionDeleted counts sessions removed by the retention sweep.
	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "retention_deleted_total",
			Help:      "Sessions deleted after their retention deadline",
		},
	)

	// CaptureTransitions counts capture state machine transitions.
	// Labels: to
	CaptureTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "transitions_total",
			Help:      "Capture session state transitions by target state",
		},
		[]string{"to"},
	)

	// CaptureReconnects counts provider reconnects.
	// Labels: reason (refresh, dropped)
	CaptureReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "reconnects_total",
			Help:      "Transcription provider reconnects",
		},
		[]string{"reason"},
	)

	// ExtractionCycles counts extraction cycles.
	// Labels: result (success, failed, skipped)
	ExtractionCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "cycles_total",
			Help:      "Incremental extraction cycles by result",
		},
		[]string{"result"},
	)

	// ExtractionDuration tracks extraction service round-trips.
	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of extraction service calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ActionsMerged counts candidate merges into the canonical list.
	// Labels: outcome (inserted, merged, frozen)
	ActionsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "actions_merged_total",
			Help:      "Candidate actions merged into the canonical list",
		},
		[]string{"outcome"},
	)

	// Transitions counts confirmation status changes.
	// Labels: to
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirm",
			Name:      "transitions_total",
			Help:      "Action status transitions by target status",
		},
		[]string{"to"},
	)

	// Notifications counts watcher notifications.
	// Labels: platform, result (sent, failed)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Watcher notifications by platform and result",
		},
		[]string{"platform", "result"},
	)

	// CalendarSyncs counts calendar reconciliation operations.
	// Labels: op (create, update, recreate, pull), result (success, error)
	CalendarSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "syncs_total",
			Help:      "Calendar reconciliation operations",
		},
		[]string{"op", "result"},
	)
)

// Result maps an error to the success/error label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
