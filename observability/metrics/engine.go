package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks placement, progression and routing activity inside the
// transactional engine. All helpers are nil-safe so callers can share a single
// instance without guarding.
type EngineMetrics struct {
	activations *prometheus.CounterVec
	promotions  *prometheus.CounterVec
	upgrades    *prometheus.CounterVec
	routes      *prometheus.CounterVec
	worklist    prometheus.Histogram
	txRetries   *prometheus.CounterVec
}

var (
	engineOnce sync.Once
	engine     *EngineMetrics
)

// Engine returns the process-wide engine metrics collector, registering it on
// first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engine = &EngineMetrics{
			activations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "engine",
				Name:      "activations_total",
				Help:      "Activations recorded, labelled by program and kind.",
			}, []string{"program", "kind"}),
			promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "engine",
				Name:      "promotions_total",
				Help:      "Root promotions applied by the progression machine.",
			}, []string{"program"}),
			upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "engine",
				Name:      "auto_upgrades_total",
				Help:      "Auto-upgrades fired from reserve balances.",
			}, []string{"program"}),
			routes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "engine",
				Name:      "cascade_routes_total",
				Help:      "Cascade routing decisions by outcome.",
			}, []string{"program", "outcome"}),
			worklist: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "uptree",
				Subsystem: "engine",
				Name:      "worklist_steps",
				Help:      "Follow-up steps drained per activation transaction.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
			}),
			txRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "storage",
				Name:      "tx_retries_total",
				Help:      "Transaction retries after serialization conflicts.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			engine.activations,
			engine.promotions,
			engine.upgrades,
			engine.routes,
			engine.worklist,
			engine.txRetries,
		)
	})
	return engine
}

// ObserveActivation counts a recorded activation.
func (m *EngineMetrics) ObserveActivation(program, kind string) {
	if m == nil || m.activations == nil {
		return
	}
	m.activations.WithLabelValues(program, kind).Inc()
}

// ObservePromotion counts an applied root promotion.
func (m *EngineMetrics) ObservePromotion(program string) {
	if m == nil || m.promotions == nil {
		return
	}
	m.promotions.WithLabelValues(program).Inc()
}

// ObserveUpgrade counts a fired auto-upgrade.
func (m *EngineMetrics) ObserveUpgrade(program string) {
	if m == nil || m.upgrades == nil {
		return
	}
	m.upgrades.WithLabelValues(program).Inc()
}

// ObserveRoute counts a cascade routing decision. Outcome is "credited" or
// "pooled".
func (m *EngineMetrics) ObserveRoute(program, outcome string) {
	if m == nil || m.routes == nil {
		return
	}
	m.routes.WithLabelValues(program, outcome).Inc()
}

// ObserveWorklist records how many follow-up steps a transaction drained.
func (m *EngineMetrics) ObserveWorklist(steps int) {
	if m == nil || m.worklist == nil {
		return
	}
	m.worklist.Observe(float64(steps))
}

// ObserveTxRetry counts a retried transaction for the named operation.
func (m *EngineMetrics) ObserveTxRetry(op string) {
	if m == nil || m.txRetries == nil {
		return
	}
	m.txRetries.WithLabelValues(op).Inc()
}
