// Package monitoring exposes Prometheus metrics for the balancer and the
// webhook dispatcher.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gateway hot paths.
type Metrics struct {
	// Balancer metrics
	BalancerPicks  *prometheus.CounterVec
	BalancerErrors *prometheus.CounterVec

	// Webhook delivery metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookSkipped    *prometheus.CounterVec
	WebhookDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		BalancerPicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_balancer_picks_total",
				Help: "Instance selections performed by the group balancer",
			},
			[]string{"group", "instance"},
		),

		BalancerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_balancer_errors_total",
				Help: "Balancer selections that failed",
			},
			[]string{"group", "reason"}, // reason: not_found, disabled, no_active_instance
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_deliveries_total",
				Help: "Settled webhook deliveries by outcome",
			},
			[]string{"webhook", "result"}, // result: success, failed
		),

		WebhookSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_skipped_total",
				Help: "Deliveries skipped because the circuit breaker was open",
			},
			[]string{"webhook"},
		),

		WebhookDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_webhook_delivery_duration_seconds",
				Help:    "End-to-end delivery duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"webhook"},
		),
	}
}

// ObserveWebhookDelivery records one settled delivery.
func (m *Metrics) ObserveWebhookDelivery(webhook string, success bool, elapsed time.Duration) {
	result := "failed"
	if success {
		result = "success"
	}
	m.WebhookDeliveries.WithLabelValues(webhook, result).Inc()
	m.WebhookDuration.WithLabelValues(webhook).Observe(elapsed.Seconds())
}
