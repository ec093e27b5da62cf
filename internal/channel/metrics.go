package channel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	channelUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "up",
			Help:      "Whether the channel is currently available (1) or disabled (0)",
		},
		[]string{"channel"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "sends_total",
			Help:      "Total send attempts per channel by result",
		},
		[]string{"channel", "result"},
	)

	channelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "send_duration_seconds",
			Help:      "Time spent sending through a channel",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	channelHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "health_checks_total",
			Help:      "Total health checks per channel by result",
		},
		[]string{"channel", "result"},
	)
)

// recordChannelUp records channel availability.
func recordChannelUp(channel string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	channelUp.WithLabelValues(channel).Set(v)
}

// recordSend records a send attempt result.
func recordSend(channel, result string) {
	channelSends.WithLabelValues(channel, result).Inc()
}

// recordSendDuration records send latency.
func recordSendDuration(channel string, d time.Duration) {
	channelSendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// recordHealthCheck records a health check result.
func recordHealthCheck(channel, result string) {
	channelHealthChecks.WithLabelValues(channel, result).Inc()
}
