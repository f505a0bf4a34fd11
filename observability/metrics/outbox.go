package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks webhook dispatch activity.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	abandoned  *prometheus.CounterVec
	latency    prometheus.Histogram
	pending    prometheus.Gauge
}

var (
	outboxOnce sync.Once
	outbox     *OutboxMetrics
)

// Outbox returns the process-wide dispatcher metrics collector.
func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outbox = &OutboxMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "outbox",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts by topic and outcome.",
			}, []string{"topic", "outcome"}),
			abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "outbox",
				Name:      "abandoned_total",
				Help:      "Messages abandoned after exhausting retries.",
			}, []string{"topic"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "uptree",
				Subsystem: "outbox",
				Name:      "delivery_seconds",
				Help:      "Wall time spent on a single delivery attempt.",
				Buckets:   prometheus.DefBuckets,
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "uptree",
				Subsystem: "outbox",
				Name:      "pending",
				Help:      "Messages currently waiting for delivery.",
			}),
		}
		prometheus.MustRegister(outbox.deliveries, outbox.abandoned, outbox.latency, outbox.pending)
	})
	return outbox
}

// ObserveDelivery records one delivery attempt. Outcome is "delivered",
// "retry" or "failed".
func (m *OutboxMetrics) ObserveDelivery(topic, outcome string, took time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(topic, outcome).Inc()
	m.latency.Observe(took.Seconds())
}

// ObserveAbandoned counts a message dropped after its final attempt.
func (m *OutboxMetrics) ObserveAbandoned(topic string) {
	if m == nil || m.abandoned == nil {
		return
	}
	m.abandoned.WithLabelValues(topic).Inc()
}

// SetPending reports the current backlog depth.
func (m *OutboxMetrics) SetPending(n int) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(n))
}
