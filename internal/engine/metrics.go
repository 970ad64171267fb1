package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/picklr-io/deckhand/internal/resource"
)

// Metrics records per-operation counts and latencies for engine runs.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	nodes      *prometheus.GaugeVec
}

// NewMetrics creates the engine collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckhand",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total number of resource operations by type, action and result",
			},
			[]string{"type", "action", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "deckhand",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Duration of resource operations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~27min
			},
			[]string{"type", "action"},
		),
		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deckhand",
				Subsystem: "engine",
				Name:      "nodes",
				Help:      "Number of nodes by terminal status after the last run",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.nodes)
	}
	return m
}

func (m *Metrics) observe(o *outcome) {
	if m == nil {
		return
	}
	result := "success"
	if o.err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(o.typ, string(o.action), result).Inc()
	if o.called {
		m.duration.WithLabelValues(o.typ, string(o.action)).Observe(o.duration.Seconds())
	}
}

func (m *Metrics) recordNodes(counts map[resource.Status]int) {
	if m == nil {
		return
	}
	for _, s := range []resource.Status{resource.Done, resource.Failed, resource.Skipped} {
		m.nodes.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
