package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExportMetrics wraps collectors tracking ledger export and retention runs.
type ExportMetrics struct {
	snapshots *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rows      *prometheus.CounterVec
	pruned    prometheus.Counter
}

var (
	exportMetricsOnce sync.Once
	exportRegistry    *ExportMetrics
)

// Exports returns the lazily-initialised registry used by the export worker.
func Exports() *ExportMetrics {
	exportMetricsOnce.Do(func() {
		exportRegistry = &ExportMetrics{
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "exports",
				Name:      "snapshots_total",
				Help:      "Count of export snapshots segmented by format and outcome.",
			}, []string{"format", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "uptree",
				Subsystem: "exports",
				Name:      "snapshot_duration_seconds",
				Help:      "Wall time spent producing a snapshot.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"format"}),
			rows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "exports",
				Name:      "rows_total",
				Help:      "Rows written to export files segmented by dataset.",
			}, []string{"dataset"}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "uptree",
				Subsystem: "exports",
				Name:      "pruned_total",
				Help:      "Snapshot directories removed by retention.",
			}),
		}
		prometheus.MustRegister(
			exportRegistry.snapshots,
			exportRegistry.duration,
			exportRegistry.rows,
			exportRegistry.pruned,
		)
	})
	return exportRegistry
}

// ObserveSnapshot records the outcome of one export run for a format.
func (m *ExportMetrics) ObserveSnapshot(format string, took time.Duration, err error) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(format)
	if label == "" {
		label = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.snapshots.WithLabelValues(label, outcome).Inc()
	m.duration.WithLabelValues(label).Observe(took.Seconds())
}

// AddRows counts rows written for a dataset such as "activations" or
// "reserve_entries".
func (m *ExportMetrics) AddRows(dataset string, n int) {
	if m == nil || n <= 0 {
		return
	}
	label := strings.TrimSpace(dataset)
	if label == "" {
		label = "unknown"
	}
	m.rows.WithLabelValues(label).Add(float64(n))
}

// RecordPruned counts a snapshot directory deleted by the retention sweep.
func (m *ExportMetrics) RecordPruned() {
	if m == nil {
		return
	}
	m.pruned.Inc()
}
