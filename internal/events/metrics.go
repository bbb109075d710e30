package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts change events.
type Metrics struct {
	Published prometheus.Counter
	Dropped   prometheus.Counter
	Failed    prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide event metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			Published: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "statekeeper",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Change events published to NATS",
			}),
			Dropped: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "statekeeper",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Change events dropped because the publish queue was full",
			}),
			Failed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "statekeeper",
				Subsystem: "events",
				Name:      "failed_total",
				Help:      "Change events that could not be encoded or published",
			}),
		}
	})
	return metrics
}
