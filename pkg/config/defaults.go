package config

import "time"

// Default returns the built-in configuration. User-provided YAML values
// override these via mergo during load.
func Default() *Config {
	return &Config{
		Producer: &ProducerConfig{
			BufferSize:   1000,
			PollInterval: 100 * time.Millisecond,
		},
		Processor: &ProcessorConfig{
			HighPriority:    LaneConfig{Concurrency: 4, BatchSize: 100, BatchTimeout: 50 * time.Millisecond},
			NormalPriority:  LaneConfig{Concurrency: 8, BatchSize: 100, BatchTimeout: 50 * time.Millisecond},
			Analytics:       LaneConfig{Concurrency: 2, BatchSize: 50, BatchTimeout: 100 * time.Millisecond},
			PatternMatching: LaneConfig{Concurrency: 6, BatchSize: 20, BatchTimeout: 25 * time.Millisecond},
		},
		Patterns: &PatternsConfig{
			Window:    30 * time.Second,
			WindowCap: 1000,
		},
		Attention: &AttentionConfig{
			Weights: AttentionWeights{
				Novelty:   0.30,
				Urgency:   0.25,
				Relevance: 0.20,
				Intensity: 0.15,
				Coherence: 0.10,
			},
			FatigueRecoveryRate: 0.01,
			FilterThreshold:     0.5,
		},
		Analytics: &AnalyticsConfig{
			AnomalySamples:    5,
			DashboardCacheTTL: 30 * time.Second,
		},
		Coordination: &CoordinationConfig{
			MaxFrequencyPerFlow:  10,
			OscillationWindow:    5 * time.Second,
			OscillationThreshold: 8,
			DampeningFactor:      0.7,
			SyncTimeout:          2 * time.Second,
		},
		Broker: &BrokerConfig{
			Kind: BrokerInproc,
		},
		HTTP: &HTTPConfig{
			Port: 8080,
		},
	}
}
