package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AlarmMetrics contains Prometheus metrics for the alarm fan-out
// publisher.
type AlarmMetrics struct {
	AlarmsPublished   prometheus.Counter
	PublishFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
}

// NewAlarmMetrics creates and registers alarm publisher metrics.
func NewAlarmMetrics(namespace string) *AlarmMetrics {
	m := &AlarmMetrics{
		AlarmsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alarm",
				Name:      "published_total",
				Help:      "Total number of alarm events published",
			},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alarm",
				Name:      "publish_failures_total",
				Help:      "Total number of failed alarm publishes",
			},
			[]string{"reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alarm",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of broker reconnection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "alarm",
				Name:      "connection_status",
				Help:      "Current broker connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.AlarmsPublished,
		m.PublishFailures,
		m.ReconnectAttempts,
		m.ConnectionStatus,
	)

	return m
}
