// Package metrics registers the Prometheus instruments for the evaluation
// service. One Metrics value is created in main and shared by injection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the monitoring engine.
type Metrics struct {
	// Evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	MatchedRules       prometheus.Histogram

	// Velocity metrics
	VelocityChecks *prometheus.CounterVec

	// Admission metrics
	LoadShedTotal prometheus.Counter

	// Hot-reload metrics
	ReloadCycles     *prometheus.CounterVec
	ChecksumMismatch prometheus.Counter
	RegistrySize     prometheus.Gauge

	// Outbox metrics
	OutboxProcessed *prometheus.CounterVec
	OutboxPoison    prometheus.Counter

	// Publisher metrics
	PublishTotal *prometheus.CounterVec
}

// New creates and registers all metrics with the given registerer. Pass a
// fresh prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudmon_evaluations_total",
				Help: "Total evaluations by engine mode and final decision",
			},
			[]string{"mode", "decision"},
		),
		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fraudmon_evaluation_duration_seconds",
				Help:    "End-to-end evaluation latency",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"stage"}, // stage: lookup, rules, velocity, total
		),
		MatchedRules: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fraudmon_matched_rules",
				Help:    "Matched rules per MONITORING evaluation",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
		VelocityChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudmon_velocity_checks_total",
				Help: "Velocity counter round-trips by outcome",
			},
			[]string{"outcome"}, // outcome: ok, exceeded, error
		),
		LoadShedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudmon_load_shed_total",
				Help: "Requests rejected by the admission controller",
			},
		),
		ReloadCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudmon_hot_reload_cycles_total",
				Help: "Hot-reload cycles by result",
			},
			[]string{"result"}, // result: noop, swapped, skipped, failed, incompatible
		),
		ChecksumMismatch: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudmon_checksum_mismatch_total",
				Help: "Artifacts rejected because of checksum mismatch",
			},
		),
		RegistrySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fraudmon_rulesets_installed",
				Help: "Rulesets currently installed in the registry",
			},
		),
		OutboxProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudmon_outbox_entries_total",
				Help: "Outbox entries by outcome",
			},
			[]string{"outcome"}, // outcome: acked, redelivered, poison
		),
		OutboxPoison: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudmon_outbox_poison_total",
				Help: "Degenerate outbox entries acked and skipped",
			},
		),
		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudmon_decisions_published_total",
				Help: "Decision publishes by outcome",
			},
			[]string{"outcome"}, // outcome: ok, failed, dropped
		),
	}
}
