package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

const (
	// OutcomeCompleted labels audits that produced a reconciled verdict.
	OutcomeCompleted = "completed"
	// OutcomeSystemError labels audits that ended in the system-error verdict.
	OutcomeSystemError = "system_error"
	// OutcomeFailed labels runs that could not persist any verdict at all.
	OutcomeFailed = "failed"
)

var (
	auditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridsentry_audit",
			Name:      "audits_total",
			Help:      "Total number of readings audited, partitioned by outcome and final severity.",
		},
		[]string{"outcome", "severity"},
	)

	auditDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridsentry_audit",
			Name:      "audit_seconds",
			Help:      "Audit pipeline latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 16, 20},
		},
	)

	contextFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridsentry_audit",
			Name:      "context_fallbacks_total",
			Help:      "Context lookups that fell back to synthetic values, partitioned by source.",
		},
		[]string{"source"},
	)

	aiFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridsentry_audit",
			Name:      "ai_fallbacks_total",
			Help:      "Classifications served by the local heuristic instead of the AI provider.",
		},
	)

	humanActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridsentry_audit",
			Name:      "human_actions_total",
			Help:      "Reviewer decisions recorded on verdicts, partitioned by action.",
		},
		[]string{"action"},
	)
)

// Register attaches audit-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		auditsTotal,
		auditDurationSeconds,
		contextFallbacksTotal,
		aiFallbacksTotal,
		humanActionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAudit records one pipeline run.
func ObserveAudit(duration time.Duration, outcome string, severity models.Severity) {
	switch outcome {
	case OutcomeSystemError, OutcomeFailed:
	default:
		outcome = OutcomeCompleted
	}
	auditsTotal.WithLabelValues(outcome, string(severity)).Inc()
	if duration < 0 {
		duration = 0
	}
	auditDurationSeconds.Observe(duration.Seconds())
}

// ObserveContextFallback counts a synthetic substitution for the named source.
func ObserveContextFallback(source string) {
	contextFallbacksTotal.WithLabelValues(source).Inc()
}

// ObserveAIFallback counts a classification served by the local heuristic.
func ObserveAIFallback() {
	aiFallbacksTotal.Inc()
}

// ObserveHumanAction counts a reviewer decision.
func ObserveHumanAction(action models.HumanAction) {
	humanActionsTotal.WithLabelValues(string(action)).Inc()
}
