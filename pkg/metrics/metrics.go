// Package metrics exposes Prometheus counters for the deception pipeline.
// All metrics hang off an explicit Registry so tests can construct their own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters the core components report into.
type Metrics struct {
	MessagesProcessed  prometheus.Counter
	AttacksDetected    *prometheus.CounterVec
	AgentsClassified   prometheus.Counter
	CanaryHits         prometheus.Counter
	SessionsEvicted    prometheus.Counter
	AdmissionsRejected prometheus.Counter
	FindingsEnqueued   prometheus.Counter
	FindingsDropped    prometheus.Counter
	FlushFailures      prometheus.Counter
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "messages_processed_total",
			Help: "Inbound messages run through the detection pipeline.",
		}),
		AttacksDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "attacks_detected_total",
			Help: "Detected attacks by type.",
		}, []string{"type"}),
		AgentsClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "agents_classified_total",
			Help: "Sources classified as autonomous agents.",
		}),
		CanaryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "canary_hits_total",
			Help: "Observed reuses of planted canary tokens.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "sessions_evicted_total",
			Help: "Sessions removed by capacity or age eviction.",
		}),
		AdmissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "admissions_rejected_total",
			Help: "Connections rejected by per-source rate control.",
		}),
		FindingsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "findings_enqueued_total",
			Help: "Findings accepted by the reporting pipeline.",
		}),
		FindingsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "findings_dropped_total",
			Help: "Findings dropped under buffer pressure.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "flush_failures_total",
			Help: "Reporting sink delivery failures.",
		}),
	}

	reg.MustRegister(
		m.MessagesProcessed, m.AttacksDetected, m.AgentsClassified,
		m.CanaryHits, m.SessionsEvicted, m.AdmissionsRejected,
		m.FindingsEnqueued, m.FindingsDropped, m.FlushFailures,
	)
	return m
}

// NewNop returns a metric set backed by a private registry, for tests and
// callers that do not care about scraping.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
