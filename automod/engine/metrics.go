package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var warningsRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "referee_warnings_recorded",
	Help: "Number of warnings persisted",
})

var warningsCleared = promauto.NewCounter(prometheus.CounterOpts{
	Name: "referee_warnings_cleared",
	Help: "Number of active warnings force-expired",
})

var warningsDeduped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "referee_warnings_deduped",
	Help: "Number of warnings skipped as duplicates",
})

var notificationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "referee_notifications_processed",
	Help: "Number of moderation notifications processed, by outcome",
}, []string{"kind"})

var reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "referee_reconcile_actions",
	Help: "Number of marker role mutations made by reconciliation",
}, []string{"action"})

var reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "referee_reconcile_errors",
	Help: "Number of failed marker role mutations",
})

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "referee_sweep_duration_sec",
	Help: "Duration of full-roster marker sweeps",
})

var punishmentCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "referee_punishments",
	Help: "Number of escalated punishments, by outcome",
}, []string{"outcome"})
