package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics contains Prometheus metrics for the priority queue.
type QueueMetrics struct {
	ItemsEnqueued   *prometheus.CounterVec
	ItemsDequeued   *prometheus.CounterVec
	EnqueueFailures *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DeadLetterDepth *prometheus.GaugeVec
}

// NewQueueMetrics creates and registers queue metrics.
func NewQueueMetrics(namespace string) *QueueMetrics {
	m := &QueueMetrics{
		ItemsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "items_enqueued_total",
				Help:      "Total number of items enqueued per channel",
			},
			[]string{"queue"},
		),
		ItemsDequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "items_dequeued_total",
				Help:      "Total number of items dequeued per channel",
			},
			[]string{"queue"},
		),
		EnqueueFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "enqueue_failures_total",
				Help:      "Total number of failed enqueue operations per channel",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Pending items per channel at last stats collection",
			},
			[]string{"queue"},
		),
		DeadLetterDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "dead_letter_depth",
				Help:      "Dead-letter items per channel at last stats collection",
			},
			[]string{"queue"},
		),
	}

	MustRegister(
		m.ItemsEnqueued,
		m.ItemsDequeued,
		m.EnqueueFailures,
		m.QueueDepth,
		m.DeadLetterDepth,
	)

	return m
}
