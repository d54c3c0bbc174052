package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-command outcomes. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmshift_monitor_commands_total",
				Help: "Monitor commands executed, by protocol variant, command and outcome",
			},
			[]string{"variant", "command", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmshift_monitor_command_duration_seconds",
				Help:    "Wall-clock duration of monitor commands",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"variant", "command"},
		),
	}
	reg.MustRegister(m.commandsTotal, m.commandDuration)
	return m
}

func (m *Metrics) observe(variant Variant, cmd string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commandsTotal.WithLabelValues(string(variant), cmd, outcome).Inc()
	m.commandDuration.WithLabelValues(string(variant), cmd).Observe(time.Since(start).Seconds())
}
