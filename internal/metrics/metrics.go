// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Webhook deliveries by outcome (processed, ignored, unauthorized, invalid, failed)",
	}, []string{"outcome"})

	WebhookLogsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "webhook",
		Name:      "logs_total",
		Help:      "Webhook logs by disposition (inserted, updated, decode_error, foreign_contract, unmonitored)",
	}, []string{"disposition"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roundup",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	// Settlement
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement attempts by resulting status",
	}, []string{"status"})

	SettlementBroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roundup",
		Subsystem: "settlement",
		Name:      "broadcast_duration_seconds",
		Help:      "Time spent in the broadcaster per settlement",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	SettlementQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roundup",
		Subsystem: "settlement",
		Name:      "queue_depth",
		Help:      "Entries waiting in the auto-settlement queue",
	})

	SettlementQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "settlement",
		Name:      "queue_dropped_total",
		Help:      "Auto-settlement requests dropped because the queue was full",
	})

	// Dependencies
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roundup",
		Subsystem: "broadcaster",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	RegistryCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "registry",
		Name:      "cache_requests_total",
		Help:      "Active-address cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	ArchiveErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roundup",
		Subsystem: "archive",
		Name:      "errors_total",
		Help:      "Failed best-effort writes to the transfer archive",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roundup",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by route and status class",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// RecordSettlement counts one settlement outcome
func RecordSettlement(status string) {
	SettlementsTotal.WithLabelValues(status).Inc()
}

// RecordWebhook counts a webhook delivery and observes its duration
func RecordWebhook(outcome string, seconds float64) {
	WebhookRequestsTotal.WithLabelValues(outcome).Inc()
	WebhookDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordLog counts one webhook log disposition
func RecordLog(disposition string) {
	WebhookLogsTotal.WithLabelValues(disposition).Inc()
}
