package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the controller's cycle counters.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CycleDuration     prometheus.Histogram
	ReportsProcessed  *prometheus.CounterVec
	ReportsRejected   *prometheus.CounterVec
	DirectivesEmitted prometheus.Counter
	Escalations       prometheus.Counter
	CandidatesCreated prometheus.Counter
}

// NewMetrics registers the controller metrics on reg. A nil registerer gets
// a private registry, which keeps independent controllers from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "cycles_total",
			Help:      "Completed inbox-processing cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReportsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "reports_processed_total",
			Help:      "Reports fully processed, by status.",
		}, []string{"status"}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "reports_rejected_total",
			Help:      "Reports rejected before dispatch, by cause.",
		}, []string{"cause"}),
		DirectivesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "directives_emitted_total",
			Help:      "Retry and approval directives written to the outbox.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "escalations_total",
			Help:      "Operator-bound escalation directives.",
		}),
		CandidatesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overseer",
			Subsystem: "controller",
			Name:      "candidates_created_total",
			Help:      "Candidate records spawned from needs_review reports.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ReportsProcessed,
		m.ReportsRejected,
		m.DirectivesEmitted,
		m.Escalations,
		m.CandidatesCreated,
	)
	return m
}
