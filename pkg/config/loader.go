package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected YAML file inside the config directory.
const ConfigFileName = "synapse.yaml"

// Initialize loads, merges, and validates configuration from configDir.
// A missing synapse.yaml is not an error — built-in defaults apply.
//
// Steps performed:
//  1. Read synapse.yaml (if present)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Resolve the node ID
//  6. Validate everything, collecting all failures
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"node_id", cfg.NodeID,
		"broker", cfg.Broker.Kind,
		"buffer_size", cfg.Producer.BufferSize)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	user := &Config{}

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No synapse.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, user); err != nil {
			return nil, NewLoadError(ConfigFileName, err)
		}
	}

	// User values win; defaults fill the gaps.
	cfg := Default()
	if err := mergo.Merge(user, cfg); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	user.NodeID = resolveNodeID(user.NodeID)
	return user, nil
}

// resolveNodeID picks the node identifier.
// Priority: config value > NODE_ID env > HOSTNAME env > "local".
func resolveNodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}
