package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks the HTTP surface.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.CounterVec
	wsClients prometheus.Gauge
}

var (
	gatewayOnce sync.Once
	gateway     *GatewayMetrics
)

// Gateway returns the process-wide gateway metrics collector.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gateway = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code.",
			}, []string{"route", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "uptree",
				Subsystem: "gateway",
				Name:      "request_seconds",
				Help:      "Request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "gateway",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
			wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "uptree",
				Subsystem: "gateway",
				Name:      "ws_clients",
				Help:      "Connected websocket event subscribers.",
			}),
		}
		prometheus.MustRegister(gateway.requests, gateway.latency, gateway.throttled, gateway.wsClients)
	})
	return gateway
}

// ObserveRequest records one completed HTTP request.
func (m *GatewayMetrics) ObserveRequest(route, method string, code int, took time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(took.Seconds())
}

// ObserveThrottle counts a rate-limited request.
func (m *GatewayMetrics) ObserveThrottle(route string) {
	if m == nil || m.throttled == nil {
		return
	}
	m.throttled.WithLabelValues(route).Inc()
}

// WSConnected adjusts the live websocket client gauge.
func (m *GatewayMetrics) WSConnected(delta int) {
	if m == nil || m.wsClients == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}
