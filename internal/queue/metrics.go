package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of messages in the queue by heap",
		},
		[]string{"heap"},
	)

	queueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total enqueue attempts by outcome",
		},
		[]string{"outcome"},
	)

	queueProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total messages processed by workers, by result",
		},
		[]string{"result"},
	)

	queueProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "process_duration_seconds",
			Help:      "Time spent in a single send attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// recordDepth updates queue depth gauges.
func recordDepth(ready, delayed, inflight int) {
	queueDepth.WithLabelValues("ready").Set(float64(ready))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("in_flight").Set(float64(inflight))
}

// recordEnqueue records an enqueue attempt outcome.
func recordEnqueue(outcome string) {
	queueEnqueued.WithLabelValues(outcome).Inc()
}

// recordProcessed records the result of a processed message.
func recordProcessed(result string) {
	queueProcessed.WithLabelValues(result).Inc()
}

// recordProcessDuration records the duration of a send attempt.
func recordProcessDuration(d time.Duration) {
	queueProcessDuration.Observe(d.Seconds())
}
