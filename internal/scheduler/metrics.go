package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	trackedMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "messages",
			Help:      "Number of tracked messages by status",
		},
		[]string{"status"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_total",
			Help:      "Total lifecycle events emitted to subscribers",
		},
		[]string{"kind"},
	)
)

// RecordStats updates the tracked-message gauges from a stats snapshot.
func RecordStats(stats Stats) {
	for status, count := range stats.Messages {
		trackedMessages.WithLabelValues(string(status)).Set(float64(count))
	}
}

func recordEvent(kind EventKind) {
	eventsEmitted.WithLabelValues(string(kind)).Inc()
}
