package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates a YAML configuration file. Fields
// absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero values that yaml unmarshaling may have
// cleared on partially specified sections.
func applyDefaults(cfg *Config) {
	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = StrategySimpleShuffle
	}
	if cfg.Router.CooldownTime == 0 {
		cfg.Router.CooldownTime = Duration(DefaultCooldownTime)
	}
	if cfg.Router.FailureThreshold == 0 {
		cfg.Router.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Router.LatencyWindowSize == 0 {
		cfg.Router.LatencyWindowSize = DefaultLatencyWindowSize
	}
	if cfg.Router.CostTieBreak == "" {
		cfg.Router.CostTieBreak = CostTieBreakLeastBusy
	}
	if cfg.RateLimit.Algorithm == "" {
		cfg.RateLimit.Algorithm = AlgorithmTokenBucket
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = DefaultRateLimitRequests
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = Duration(DefaultRateLimitWindow)
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultRateLimitBurst
	}
	if cfg.RateLimit.KeyTTL == 0 {
		cfg.RateLimit.KeyTTL = Duration(DefaultKeyTTL)
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = Duration(DefaultSweepInterval)
	}
	if cfg.Pool.MaxPerBackend == 0 {
		cfg.Pool.MaxPerBackend = DefaultMaxPerBackend
	}
	if cfg.Pool.IdleTTL == 0 {
		cfg.Pool.IdleTTL = Duration(DefaultIdleTTL)
	}
	if cfg.Pool.AcquirePolicy == "" {
		cfg.Pool.AcquirePolicy = AcquirePolicyFail
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = Duration(DefaultAcquireTimeout)
	}
	if cfg.Pool.CleanupInterval == 0 {
		cfg.Pool.CleanupInterval = Duration(DefaultCleanupInterval)
	}

	for i := range cfg.Deployments {
		if cfg.Deployments[i].Weight == 0 {
			cfg.Deployments[i].Weight = 1
		}
	}
}
