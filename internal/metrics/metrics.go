// Package metrics exposes Kestrel's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the risk core.
type Metrics struct {
	// Full-snapshot precompute latency
	PrecomputeLatency prometheus.Histogram

	// Single-bucket recomputes by trigger: "api", "bus"
	Recomputes *prometheus.CounterVec

	// Executed queries by intent and cache outcome
	Queries *prometheus.CounterVec

	QueryLatency          *prometheus.HistogramVec
	CounterfactualLatency prometheus.Histogram

	// Alerts raised by severity
	Alerts *prometheus.CounterVec

	TransactionsInjected prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PrecomputeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_precompute_duration_seconds",
			Help:    "Duration of scoring every bucket of a snapshot",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		Recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_bucket_recomputes_total",
			Help: "Total single-bucket risk recomputes by trigger",
		}, []string{"trigger"}),

		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_queries_total",
			Help: "Total structured queries by intent and cache result",
		}, []string{"intent", "cache"}),

		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_query_duration_seconds",
			Help:    "Duration of structured query execution by intent",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"intent"}),

		CounterfactualLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_counterfactual_duration_seconds",
			Help:    "Duration of counterfactual re-scoring",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_alerts_total",
			Help: "Total alerts raised by severity",
		}, []string{"severity"}),

		TransactionsInjected: f.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transactions_injected_total",
			Help: "Total transactions appended after load",
		}),
	}
}

// ObservePrecompute records a full precompute.
func (m *Metrics) ObservePrecompute(d time.Duration) {
	if m != nil {
		m.PrecomputeLatency.Observe(d.Seconds())
	}
}

// IncrementRecompute records a bucket recompute.
func (m *Metrics) IncrementRecompute(trigger string) {
	if m != nil {
		m.Recomputes.WithLabelValues(trigger).Inc()
	}
}

// ObserveQuery records one query. cached is true when served from cache.
func (m *Metrics) ObserveQuery(intent string, cached bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "miss"
	if cached {
		outcome = "hit"
	}
	m.Queries.WithLabelValues(intent, outcome).Inc()
	m.QueryLatency.WithLabelValues(intent).Observe(d.Seconds())
}

// ObserveCounterfactual records one counterfactual computation.
func (m *Metrics) ObserveCounterfactual(d time.Duration) {
	if m != nil {
		m.CounterfactualLatency.Observe(d.Seconds())
	}
}

// IncrementAlert records a raised alert.
func (m *Metrics) IncrementAlert(severity string) {
	if m != nil {
		m.Alerts.WithLabelValues(severity).Inc()
	}
}

// AddInjected records appended transactions.
func (m *Metrics) AddInjected(n int) {
	if m != nil {
		m.TransactionsInjected.Add(float64(n))
	}
}
