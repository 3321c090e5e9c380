package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus collectors the supervisor
// updates as it dispatches commands and reconciles instances.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	activeInstances prometheus.Gauge
	alarmSweeps     prometheus.Counter
}

// NewMetrics registers and returns the supervisor's collectors against reg.
// Pass prometheus.DefaultRegisterer to wire into the global registry backing
// promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questkeeper",
			Subsystem: "supervisor",
			Name:      "commands_total",
			Help:      "Total dispatched commands by command name and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "questkeeper",
			Subsystem: "supervisor",
			Name:      "command_duration_seconds",
			Help:      "Dispatch latency by command name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "questkeeper",
			Subsystem: "supervisor",
			Name:      "active_instances",
			Help:      "Number of registered bot instances.",
		}),
		alarmSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "questkeeper",
			Subsystem: "supervisor",
			Name:      "alarm_sweeps_total",
			Help:      "Total completed alarm-sweep cycles.",
		}),
	}
}

func (m *Metrics) observeCommand(command string, success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.commandsTotal.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(seconds)
}
