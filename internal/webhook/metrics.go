package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total processed webhook events by source and type",
		},
		[]string{"source", "type"},
	)

	webhookRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Total rejected webhook requests by platform and reason",
		},
		[]string{"platform", "reason"},
	)
)

// recordEvent records a processed webhook event.
func recordEvent(source, eventType string) {
	webhookEvents.WithLabelValues(source, eventType).Inc()
}

// recordRejected records a rejected webhook request.
func recordRejected(platform, reason string) {
	webhookRejected.WithLabelValues(platform, reason).Inc()
}
