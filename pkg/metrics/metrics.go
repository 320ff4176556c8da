// Package metrics holds the Prometheus instruments shared across substrate
// components. A single Metrics value is created at startup and injected
// into each component; tests construct their own against a private
// registry so parallel tests never collide on the default registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the substrate exposes on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Producer
	ProducerProduced prometheus.Counter
	ProducerDropped  prometheus.Counter
	ProducerBuffered prometheus.Gauge

	// Processor
	ProcessorBatches   *prometheus.CounterVec
	ProcessorProcessed *prometheus.CounterVec
	DeadLetters        prometheus.Counter

	// Event store
	StoreAppends   prometheus.Counter
	StoreConflicts prometheus.Counter

	// Coordinator
	CoordinatorFiltered  prometheus.Counter
	CoordinatorBypass    prometheus.Counter
	CoordinatorConflicts *prometheus.CounterVec
	CoordinatorDelayed   prometheus.Counter
	Oscillations         prometheus.Counter

	// Attention
	AttentionScores prometheus.Histogram

	// Patterns
	PatternMatches *prometheus.CounterVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		ProducerProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_producer_produced_total",
			Help: "Events accepted into the producer buffer.",
		}),
		ProducerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_producer_dropped_total",
			Help: "Events dropped by the drop-oldest overflow policy.",
		}),
		ProducerBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_producer_buffered",
			Help: "Current producer buffer fill level.",
		}),

		ProcessorBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_processor_batches_total",
			Help: "Batches handled per lane.",
		}, []string{"lane"}),
		ProcessorProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_processor_processed_total",
			Help: "Events processed per lane.",
		}, []string{"lane"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_dead_letter_total",
			Help: "Events routed to the dead-letter stream.",
		}),

		StoreAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_store_appends_total",
			Help: "Events appended to the store.",
		}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_store_conflicts_total",
			Help: "Appends rejected by optimistic concurrency.",
		}),

		CoordinatorFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_coordinator_filtered_total",
			Help: "Messages blocked for low attention.",
		}),
		CoordinatorBypass: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_coordinator_bypass_total",
			Help: "High-attention messages that bypassed rate limiting.",
		}),
		CoordinatorConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_coordinator_conflicts_total",
			Help: "Detected flow conflicts by kind.",
		}, []string{"kind"}),
		CoordinatorDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_coordinator_delayed_total",
			Help: "Messages delayed by conflict resolution or rate shaping.",
		}),
		Oscillations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synapse_coordinator_oscillations_total",
			Help: "Oscillation detections across all flows.",
		}),

		AttentionScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synapse_attention_score",
			Help:    "Distribution of final attention scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		PatternMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_pattern_matches_total",
			Help: "Pattern matches by pattern name.",
		}, []string{"pattern"}),
	}

	reg.MustRegister(
		m.ProducerProduced, m.ProducerDropped, m.ProducerBuffered,
		m.ProcessorBatches, m.ProcessorProcessed, m.DeadLetters,
		m.StoreAppends, m.StoreConflicts,
		m.CoordinatorFiltered, m.CoordinatorBypass, m.CoordinatorConflicts,
		m.CoordinatorDelayed, m.Oscillations,
		m.AttentionScores, m.PatternMatches,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
