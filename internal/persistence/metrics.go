package persistence

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for persistence.
type Metrics struct {
	SavesTotal          *prometheus.CounterVec
	SaveDuration        prometheus.Histogram
	FileBytes           prometheus.Gauge
	ShrinkPrevented     prometheus.Counter
	VerificationRetries prometheus.Counter
	WriteRetries        prometheus.Counter
	LoadsTotal          *prometheus.CounterVec
}

// NewMetrics registers persistence metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SavesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "statekeeper_persistence_saves_total",
					Help: "Total number of save attempts by result",
				},
				[]string{"result"}, // "ok", "shrink_prevented", "verification_failed", "write_failed"
			),
			SaveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "statekeeper_persistence_save_duration_seconds",
				Help:    "Duration of saves in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			}),
			FileBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "statekeeper_persistence_file_bytes",
				Help: "Size of the last written state file",
			}),
			ShrinkPrevented: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_persistence_shrink_prevented_total",
				Help: "Saves refused because guarded state would have been emptied",
			}),
			VerificationRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_persistence_verification_retries_total",
				Help: "Saves retried with full serialization after a verification failure",
			}),
			WriteRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_persistence_write_retries_total",
				Help: "File write attempts retried after an I/O error",
			}),
			LoadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "statekeeper_persistence_loads_total",
					Help: "Total number of loads by result",
				},
				[]string{"result"}, // "ok", "missing", "corrupt"
			),
		}
	})
	return globalMetrics
}
