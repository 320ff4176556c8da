// Package config loads and validates the substrate configuration from
// synapse.yaml plus environment variables. Built-in defaults are merged
// with user-provided values; validation collects every failure before
// reporting.
package config

import "time"

// Config is the fully resolved configuration consumed by the components.
type Config struct {
	// NodeID identifies this node in causality envelopes and broker
	// origin fields. Resolution: config > NODE_ID env > HOSTNAME > "local".
	NodeID string `yaml:"node_id"`

	Producer     *ProducerConfig     `yaml:"producer"`
	Processor    *ProcessorConfig    `yaml:"processor"`
	Patterns     *PatternsConfig     `yaml:"patterns"`
	Attention    *AttentionConfig    `yaml:"attention"`
	Analytics    *AnalyticsConfig    `yaml:"analytics"`
	Coordination *CoordinationConfig `yaml:"coordination"`
	Broker       *BrokerConfig       `yaml:"broker"`
	HTTP         *HTTPConfig         `yaml:"http"`
}

// ProducerConfig controls the ingest buffer.
type ProducerConfig struct {
	// BufferSize caps the bounded FIFO buffer. Overflow drops the oldest
	// entry and increments the drop counter.
	BufferSize int `yaml:"buffer_size"`

	// PollInterval is the period of the external poll source.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LaneConfig holds per-lane batching parameters.
type LaneConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ProcessorConfig holds the four priority lanes.
type ProcessorConfig struct {
	HighPriority    LaneConfig `yaml:"high_priority"`
	NormalPriority  LaneConfig `yaml:"normal_priority"`
	Analytics       LaneConfig `yaml:"analytics"`
	PatternMatching LaneConfig `yaml:"pattern_matching"`
}

// PatternsConfig controls the CEP matcher window.
type PatternsConfig struct {
	Window          time.Duration `yaml:"window"`
	WindowCap       int           `yaml:"window_cap"`
	LearningEnabled bool          `yaml:"learning_enabled"`
}

// AttentionWeights are the per-dimension salience weights. They should sum
// to 1 but are renormalized defensively at load time.
type AttentionWeights struct {
	Novelty   float64 `yaml:"novelty"`
	Urgency   float64 `yaml:"urgency"`
	Relevance float64 `yaml:"relevance"`
	Intensity float64 `yaml:"intensity"`
	Coherence float64 `yaml:"coherence"`
}

// AttentionConfig controls the salience engine.
type AttentionConfig struct {
	Weights             AttentionWeights `yaml:"weights"`
	FatigueRecoveryRate float64          `yaml:"fatigue_recovery_rate"`
	FilterThreshold     float64          `yaml:"filter_threshold"`
}

// AnalyticsConfig controls trend and anomaly detection.
type AnalyticsConfig struct {
	// AnomalySamples is the number of one-minute throughput samples used
	// for the σ computation. Statistically weak at the default of 5;
	// preserved for behavior parity and left tunable.
	AnomalySamples int `yaml:"anomaly_samples"`

	// DashboardCacheTTL is how long a computed dashboard snapshot is served
	// before recomputation.
	DashboardCacheTTL time.Duration `yaml:"dashboard_cache_ttl"`
}

// CoordinationConfig holds the coordinator's flow-control rules.
type CoordinationConfig struct {
	// MaxFrequencyPerFlow is the base per-flow message rate (per second).
	// The effective limit scales with attention: base * (1 + score).
	MaxFrequencyPerFlow int `yaml:"max_frequency_per_flow"`

	// SyncRequiredTypes lists message types that always require
	// synchronization before forwarding.
	SyncRequiredTypes []string `yaml:"sync_required_types"`

	// BlockPatterns are message-type globs that are dropped outright.
	BlockPatterns []string `yaml:"block_patterns"`

	OscillationWindow    time.Duration `yaml:"oscillation_window"`
	OscillationThreshold int           `yaml:"oscillation_threshold"`

	// DampeningFactor is the floor of the attenuation applied to
	// oscillating signals; the attention score raises it toward 1.
	DampeningFactor float64 `yaml:"dampening_factor"`

	// SyncTimeout bounds each per-context ACK wait during synchronization.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// BrokerConfig selects and configures the pub/sub transport.
type BrokerConfig struct {
	Kind    BrokerKind `yaml:"kind"`
	NATSURL string     `yaml:"nats_url"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
