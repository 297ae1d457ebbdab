// Package metrics holds the Prometheus collectors of the tournament. Each
// Metrics value owns its registry so several engines can coexist in one
// process. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of tournament collectors.
type Metrics struct {
	registry *prometheus.Registry

	Tournaments        *prometheus.CounterVec
	TournamentDuration prometheus.Histogram
	ActiveTournaments  prometheus.Gauge
	StrategyRuns       *prometheus.CounterVec
	OptimizerTasks     *prometheus.CounterVec
	SelectorDecisions  *prometheus.CounterVec
	ArtifactErrors     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Tournaments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpod_tournaments_total",
				Help: "Tournaments run, by outcome (persisted, neutral, failed)",
			},
			[]string{"outcome"},
		),

		TournamentDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "finpod_tournament_duration_seconds",
				Help:    "Wall time of one symbol tournament in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),

		ActiveTournaments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "finpod_active_tournaments",
				Help: "Number of tournaments currently running",
			},
		),

		StrategyRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpod_strategy_runs_total",
				Help: "Strategy evaluations inside tournaments, by strategy and status",
			},
			[]string{"strategy", "status"},
		),

		OptimizerTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpod_optimizer_tasks_total",
				Help: "Parameter combinations evaluated, by strategy and status (ok, failed, timeout)",
			},
			[]string{"strategy", "status"},
		),

		SelectorDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpod_selector_decisions_total",
				Help: "Selector decisions, by path (llm, fallback)",
			},
			[]string{"path"},
		),

		ArtifactErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "finpod_artifact_write_errors_total",
				Help: "Tournament artifacts that could not be written",
			},
		),
	}

	m.registry.MustRegister(
		m.Tournaments,
		m.TournamentDuration,
		m.ActiveTournaments,
		m.StrategyRuns,
		m.OptimizerTasks,
		m.SelectorDecisions,
		m.ArtifactErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TournamentStarted increments the active gauge and returns a function that
// records the outcome and duration.
func (m *Metrics) TournamentStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveTournaments.Inc()
	return func(outcome string) {
		m.ActiveTournaments.Dec()
		m.Tournaments.WithLabelValues(outcome).Inc()
		m.TournamentDuration.Observe(time.Since(start).Seconds())
	}
}

// StrategyRun records one strategy evaluation.
func (m *Metrics) StrategyRun(strategy, status string) {
	if m == nil {
		return
	}
	m.StrategyRuns.WithLabelValues(strategy, status).Inc()
}

// OptimizerTask records one evaluated parameter combination.
func (m *Metrics) OptimizerTask(strategy, status string) {
	if m == nil {
		return
	}
	m.OptimizerTasks.WithLabelValues(strategy, status).Inc()
}

// SelectorDecision records which selector path produced a winner.
func (m *Metrics) SelectorDecision(path string) {
	if m == nil {
		return
	}
	m.SelectorDecisions.WithLabelValues(path).Inc()
}

// ArtifactError records a failed artifact write.
func (m *Metrics) ArtifactError() {
	if m == nil {
		return
	}
	m.ArtifactErrors.Inc()
}
