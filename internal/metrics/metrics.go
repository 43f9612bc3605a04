// Package metrics holds the Prometheus instruments of the risk engine.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupFallbackHit = "fallback_hit"
)

// Registry holds all Prometheus metrics for the engine.
// A nil *Registry is valid and records nothing, which keeps tests free of globals.
type Registry struct {
	gatherer prometheus.Gatherer

	CacheLookups  *prometheus.CounterVec
	CacheSymbols  prometheus.Gauge
	CachePoints   prometheus.Gauge
	BreakerState  *prometheus.GaugeVec
	PhaseDuration *prometheus.HistogramVec
	PhaseOutcomes *prometheus.CounterVec
	Regressions   *prometheus.CounterVec
	PSDCorrected  prometheus.Counter
	StressCapped  prometheus.Counter
	Runs          *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

// New creates the registry and registers every instrument on reg.
// Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		gatherer: reg,

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_price_cache_lookups_total",
				Help: "Price cache lookups by result",
			},
			[]string{"result"},
		),
		CacheSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_price_cache_symbols",
			Help: "Symbols held by the most recently built price cache",
		}),
		CachePoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_price_cache_points",
			Help: "Price points held by the most recently built price cache",
		}),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskengine_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskengine_phase_duration_seconds",
				Help:    "Duration of each calculation phase per portfolio-date",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"phase", "status"},
		),
		PhaseOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_phase_outcomes_total",
				Help: "Calculation phase outcomes by status and reason",
			},
			[]string{"phase", "status", "reason"},
		),
		Regressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_factor_regressions_total",
				Help: "Position factor regressions by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		PSDCorrected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_correlation_psd_corrections_total",
			Help: "Correlation matrices that required eigenvalue clipping",
		}),
		StressCapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_stress_loss_caps_total",
			Help: "Stress results whose loss was capped",
		}),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_batch_runs_total",
				Help: "Completed batch runs by status",
			},
			[]string{"status"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_batch_runs_active",
			Help: "Batch runs currently executing",
		}),
	}

	reg.MustRegister(
		r.CacheLookups, r.CacheSymbols, r.CachePoints, r.BreakerState,
		r.PhaseDuration, r.PhaseOutcomes, r.Regressions,
		r.PSDCorrected, r.StressCapped, r.Runs, r.ActiveRuns,
	)
	return r
}

// NewDefault creates a registry that also exports Go runtime and process metrics.
func NewDefault() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// RegisterDB exports connection pool statistics for a database.
func (r *Registry) RegisterDB(db *sql.DB, name string) error {
	if r == nil {
		return nil
	}
	reg, ok := r.gatherer.(prometheus.Registerer)
	if !ok {
		return nil
	}
	return reg.Register(collectors.NewDBStatsCollector(db, name))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// CacheLookup counts one price cache lookup.
func (r *Registry) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.CacheLookups.WithLabelValues(result).Inc()
}

// CacheBuilt records the size of a freshly built cache.
func (r *Registry) CacheBuilt(symbols, points int) {
	if r == nil {
		return
	}
	r.CacheSymbols.Set(float64(symbols))
	r.CachePoints.Set(float64(points))
}

// SetBreakerState records a circuit breaker transition.
func (r *Registry) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(name).Set(float64(state))
}

// PhaseFinished records the duration and outcome of one phase.
func (r *Registry) PhaseFinished(phase, status, reason string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.PhaseDuration.WithLabelValues(phase, status).Observe(elapsed.Seconds())
	r.PhaseOutcomes.WithLabelValues(phase, status, reason).Inc()
}

// Regression counts one position regression.
func (r *Registry) Regression(method, outcome string) {
	if r == nil {
		return
	}
	r.Regressions.WithLabelValues(method, outcome).Inc()
}

// PSDCorrection counts one corrected correlation matrix.
func (r *Registry) PSDCorrection() {
	if r == nil {
		return
	}
	r.PSDCorrected.Inc()
}

// StressLossCapped counts one capped stress result.
func (r *Registry) StressLossCapped() {
	if r == nil {
		return
	}
	r.StressCapped.Inc()
}

// RunStarted marks a batch run as active.
func (r *Registry) RunStarted() {
	if r == nil {
		return
	}
	r.ActiveRuns.Inc()
}

// RunFinished records a finished batch run.
func (r *Registry) RunFinished(status string) {
	if r == nil {
		return
	}
	r.ActiveRuns.Dec()
	r.Runs.WithLabelValues(status).Inc()
}
