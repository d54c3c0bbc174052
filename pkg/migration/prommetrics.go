package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts phase outcomes and durations. All methods are nil-safe so
// the controller can run without a registry in tests.
type Metrics struct {
	phasesTotal   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		phasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmshift_migration_phases_total",
				Help: "Migration phase executions, by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmshift_migration_phase_duration_seconds",
				Help:    "Wall-clock duration of migration phases.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
			},
			[]string{"phase"},
		),
	}
	reg.MustRegister(m.phasesTotal, m.phaseDuration)
	return m
}

func (m *Metrics) observePhase(phase string, start time.Time, err *error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil && *err != nil {
		outcome = "error"
	}
	m.phasesTotal.WithLabelValues(phase, outcome).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
