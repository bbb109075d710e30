package changelog

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the change log.
type Metrics struct {
	EntriesTotal         *prometheus.CounterVec
	SerializationErrors  prometheus.Counter
	Evicted              prometheus.Counter
	ArchiveDropped       prometheus.Counter
	ArchiveErrors        prometheus.Counter
	Size                 prometheus.Gauge
	SecretsRedactedTotal prometheus.Counter
}

// NewMetrics registers the change log metrics once per process.
//
// Metrics:
//   - statekeeper_changelog_entries_total{class}
//   - statekeeper_changelog_serialization_errors_total
//   - statekeeper_changelog_evicted_total
//   - statekeeper_changelog_archive_dropped_total
//   - statekeeper_changelog_archive_errors_total
//   - statekeeper_changelog_size
//   - statekeeper_changelog_secrets_redacted_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EntriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "statekeeper_changelog_entries_total",
					Help: "Total number of change log entries recorded",
				},
				[]string{"class"},
			),
			SerializationErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_changelog_serialization_errors_total",
				Help: "Changes recorded as placeholders because a value could not be serialized",
			}),
			Evicted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_changelog_evicted_total",
				Help: "Entries evicted by trimming",
			}),
			ArchiveDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_changelog_archive_dropped_total",
				Help: "Evicted entries dropped because the archive queue was full",
			}),
			ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_changelog_archive_errors_total",
				Help: "Archive write failures",
			}),
			Size: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "statekeeper_changelog_size",
				Help: "Entries currently held in memory",
			}),
			SecretsRedactedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "statekeeper_changelog_secrets_redacted_total",
				Help: "Secrets redacted from logged values",
			}),
		}
	})
	return globalMetrics
}
