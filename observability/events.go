package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the structured event stream.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted engine events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped instead of delivered to a slow subscriber.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "uptree",
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Live event stream subscriptions.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordEvent increments the emitted counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordDropped counts a backlog entry evicted before delivery.
func (m *eventMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SetSubscribers reports the number of live stream subscriptions.
func (m *eventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
