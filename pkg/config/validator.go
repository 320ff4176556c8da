package config

import "strings"

// validate checks the merged configuration, collecting every problem.
func validate(cfg *Config) error {
	v := &ValidationError{}

	if cfg.Producer.BufferSize <= 0 {
		v.add("producer.buffer_size must be positive, got %d", cfg.Producer.BufferSize)
	}
	if cfg.Producer.PollInterval <= 0 {
		v.add("producer.poll_interval must be positive, got %v", cfg.Producer.PollInterval)
	}

	lanes := map[string]LaneConfig{
		"high_priority":    cfg.Processor.HighPriority,
		"normal_priority":  cfg.Processor.NormalPriority,
		"analytics":        cfg.Processor.Analytics,
		"pattern_matching": cfg.Processor.PatternMatching,
	}
	for name, lane := range lanes {
		if lane.Concurrency <= 0 {
			v.add("processor.%s.concurrency must be positive, got %d", name, lane.Concurrency)
		}
		if lane.BatchSize <= 0 {
			v.add("processor.%s.batch_size must be positive, got %d", name, lane.BatchSize)
		}
		if lane.BatchTimeout <= 0 {
			v.add("processor.%s.batch_timeout must be positive, got %v", name, lane.BatchTimeout)
		}
	}

	if cfg.Patterns.Window <= 0 {
		v.add("patterns.window must be positive, got %v", cfg.Patterns.Window)
	}
	if cfg.Patterns.WindowCap <= 0 {
		v.add("patterns.window_cap must be positive, got %d", cfg.Patterns.WindowCap)
	}

	w := cfg.Attention.Weights
	sum := w.Novelty + w.Urgency + w.Relevance + w.Intensity + w.Coherence
	if sum <= 0 {
		v.add("attention.weights must have a positive sum, got %v", sum)
	}
	for name, val := range map[string]float64{
		"novelty": w.Novelty, "urgency": w.Urgency, "relevance": w.Relevance,
		"intensity": w.Intensity, "coherence": w.Coherence,
	} {
		if val < 0 {
			v.add("attention.weights.%s must not be negative, got %v", name, val)
		}
	}
	if t := cfg.Attention.FilterThreshold; t < 0 || t > 1 {
		v.add("attention.filter_threshold must be in [0,1], got %v", t)
	}
	if r := cfg.Attention.FatigueRecoveryRate; r < 0 || r > 1 {
		v.add("attention.fatigue_recovery_rate must be in [0,1], got %v", r)
	}

	if cfg.Analytics.AnomalySamples < 2 {
		v.add("analytics.anomaly_samples must be at least 2, got %d", cfg.Analytics.AnomalySamples)
	}

	c := cfg.Coordination
	if c.MaxFrequencyPerFlow <= 0 {
		v.add("coordination.max_frequency_per_flow must be positive, got %d", c.MaxFrequencyPerFlow)
	}
	if c.OscillationWindow <= 0 {
		v.add("coordination.oscillation_window must be positive, got %v", c.OscillationWindow)
	}
	if c.OscillationThreshold <= 0 {
		v.add("coordination.oscillation_threshold must be positive, got %d", c.OscillationThreshold)
	}
	if c.DampeningFactor < 0 || c.DampeningFactor > 1 {
		v.add("coordination.dampening_factor must be in [0,1], got %v", c.DampeningFactor)
	}
	if c.SyncTimeout <= 0 {
		v.add("coordination.sync_timeout must be positive, got %v", c.SyncTimeout)
	}
	for _, p := range c.BlockPatterns {
		if strings.Count(p, "*") > 1 {
			v.add("coordination.block_patterns: %q has more than one wildcard", p)
		}
	}

	if !cfg.Broker.Kind.IsValid() {
		v.add("broker.kind must be one of inproc, postgres, nats; got %q", cfg.Broker.Kind)
	}
	if cfg.Broker.Kind == BrokerNATS && cfg.Broker.NATSURL == "" {
		v.add("broker.nats_url is required when broker.kind is nats")
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		v.add("http.port must be in (0,65535], got %d", cfg.HTTP.Port)
	}

	return v.orNil()
}
