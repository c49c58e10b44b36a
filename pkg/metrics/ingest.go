package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the TCP ingest path:
// connection admission, framing, parsing, and gating.
type IngestMetrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	BlacklistedIPs      prometheus.Gauge

	MessagesReceived *prometheus.CounterVec
	ParseFailures    *prometheus.CounterVec
	ValidationDrops  *prometheus.CounterVec
	DuplicateFrames  prometheus.Counter
	RateLimited      prometheus.Counter

	ValidLocations   prometheus.Counter
	InvalidLocations prometheus.Counter

	ServerRestarts prometheus.Counter
}

// NewIngestMetrics creates and registers ingest metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		ConnectionsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "connections_accepted_total",
				Help:      "Total number of accepted TCP connections",
			},
		),
		ConnectionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "connections_rejected_total",
				Help:      "Total number of rejected TCP connections",
			},
			[]string{"reason"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_connections",
				Help:      "Current number of live TCP connections",
			},
		),
		BlacklistedIPs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "blacklisted_ips",
				Help:      "Current number of temporarily blacklisted source IPs",
			},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_received_total",
				Help:      "Total number of decoded protocol messages",
			},
			[]string{"protocol", "kind"},
		),
		ParseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "parse_failures_total",
				Help:      "Total number of frames that failed to parse",
			},
			[]string{"protocol"},
		),
		ValidationDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "validation_drops_total",
				Help:      "Total number of frames dropped by the packet validator",
			},
			[]string{"reason"},
		),
		DuplicateFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duplicate_frames_total",
				Help:      "Total number of retransmitted frames answered from history",
			},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rate_limited_total",
				Help:      "Total number of messages rejected by the rate limiter",
			},
		),
		ValidLocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "valid_locations_total",
				Help:      "Total number of valid location fixes forwarded to the queue",
			},
		),
		InvalidLocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "invalid_locations_total",
				Help:      "Total number of fixes flagged invalid and withheld from the queue",
			},
		),
		ServerRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "server_restarts_total",
				Help:      "Total number of supervised listener restarts",
			},
		),
	}

	MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.ActiveConnections,
		m.BlacklistedIPs,
		m.MessagesReceived,
		m.ParseFailures,
		m.ValidationDrops,
		m.DuplicateFrames,
		m.RateLimited,
		m.ValidLocations,
		m.InvalidLocations,
		m.ServerRestarts,
	)

	return m
}
