// Package metrics exposes Prometheus collectors for unit, phase, run and
// checkpoint activity.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/npsd/internal/checkpoint"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the collectors. It implements orchestrator.Recorder and
// checkpoint.Observer.
type Metrics struct {
	UnitsTotal         *prometheus.CounterVec
	UnitRetriesTotal   *prometheus.CounterVec
	UnitDuration       *prometheus.HistogramVec
	PhaseDuration      *prometheus.HistogramVec
	RunsTotal          *prometheus.CounterVec
	CheckpointOpsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors with the default registry once and
// returns the shared instance.
//
// Metrics:
//   - npsd_units_total{unit,outcome} - terminal unit outcomes ("success" or the failure kind)
//   - npsd_unit_retries_total{unit} - retried attempts
//   - npsd_unit_duration_seconds{unit} - time from first attempt to outcome
//   - npsd_phase_duration_seconds{phase,status} - phase execution time
//   - npsd_runs_total{status} - runs reaching a terminal state
//   - npsd_checkpoint_operations_total{op,status} - checkpoint storage operations
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

// NewMetricsWithRegistry registers a fresh set of collectors on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		UnitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npsd_units_total",
				Help: "Total number of unit outcomes",
			},
			[]string{"unit", "outcome"},
		),
		UnitRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npsd_unit_retries_total",
				Help: "Total number of unit attempts that were retried",
			},
			[]string{"unit"},
		),
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "npsd_unit_duration_seconds",
				Help:    "Duration of unit execution in seconds, retries included",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"unit"},
		),
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "npsd_phase_duration_seconds",
				Help:    "Duration of phase execution in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase", "status"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npsd_runs_total",
				Help: "Total number of runs reaching a terminal state",
			},
			[]string{"status"},
		),
		CheckpointOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npsd_checkpoint_operations_total",
				Help: "Total number of checkpoint storage operations",
			},
			[]string{"op", "status"},
		),
	}
}

// UnitAttempt counts a failed transient attempt as a retry.
func (m *Metrics) UnitAttempt(id unit.ID, kind unit.Kind) {
	if kind.Transient() {
		m.UnitRetriesTotal.WithLabelValues(string(id)).Inc()
	}
}

// UnitFinished records the terminal outcome of a unit.
func (m *Metrics) UnitFinished(id unit.ID, out unit.Outcome, elapsed time.Duration) {
	outcome := "success"
	if out.Failure != nil {
		outcome = string(out.Failure.Kind)
	}
	m.UnitsTotal.WithLabelValues(string(id), outcome).Inc()
	m.UnitDuration.WithLabelValues(string(id)).Observe(elapsed.Seconds())
}

// PhaseFinished records a phase execution.
func (m *Metrics) PhaseFinished(p run.Phase, status run.PhaseStatus, elapsed time.Duration) {
	m.PhaseDuration.WithLabelValues(string(p), string(status)).Observe(elapsed.Seconds())
}

// RunFinished counts a terminal run.
func (m *Metrics) RunFinished(state run.State) {
	m.RunsTotal.WithLabelValues(string(state)).Inc()
}

// CheckpointOp counts a checkpoint operation. A missing entry is not an error.
func (m *Metrics) CheckpointOp(op string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.CheckpointOpsTotal.WithLabelValues(op, status).Inc()
}
