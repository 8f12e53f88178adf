// Package config provides configuration management for the dispatch runtime.
package config

import (
	"fmt"
	"time"
)

// Routing strategy names. The string forms match the values accepted
// by the router factory.
const (
	StrategySimpleShuffle        = "simple-shuffle"
	StrategyLeastBusy            = "least-busy"
	StrategyLatencyBased         = "latency-based-routing"
	StrategyCostBased            = "cost-based-routing"
	StrategyUsageBased           = "usage-based-routing"
	StrategyUsageBasedV2         = "usage-based-routing-v2"
	StrategyLeastBusyWithPenalty = "least-busy-with-penalty"
)

// Rate limiting algorithm names.
const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
)

// Pool acquire policies.
const (
	AcquirePolicyFail = "fail"
	AcquirePolicyWait = "wait"
)

// Cost tie-break policies for cost-based routing.
const (
	CostTieBreakLeastBusy = "least-busy"
	CostTieBreakRandom    = "random"
)

// Config is the top-level configuration for the dispatch runtime.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Router      RouterConfig       `yaml:"router"`
	RateLimit   RateLimitConfig    `yaml:"rateLimit"`
	Pool        PoolConfig         `yaml:"pool"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RouterConfig configures the router and its health tracking. It is
// treated as an immutable value: on reload the whole struct is
// replaced, never mutated field by field.
type RouterConfig struct {
	Strategy            string   `yaml:"strategy"`
	CooldownTime        Duration `yaml:"cooldownTime"`
	FailureThreshold    int      `yaml:"failureThreshold"`
	MaxRetries          int      `yaml:"maxRetries"`
	AttemptTimeout      Duration `yaml:"attemptTimeout"`
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`
	LatencyWindowSize   int      `yaml:"latencyWindowSize"`

	// LatencyTolerance bounds the candidate set for cost-based
	// routing: only deployments within this mean latency qualify.
	// Zero disables the bound.
	LatencyTolerance Duration `yaml:"latencyTolerance"`

	// CostTieBreak selects how equal-cost candidates are broken:
	// "least-busy" (default) or "random".
	CostTieBreak string `yaml:"costTieBreak"`
}

// RateLimitConfig configures the admission controller.
type RateLimitConfig struct {
	Algorithm     string       `yaml:"algorithm"`
	Requests      int          `yaml:"requests"`
	Window        Duration     `yaml:"window"`
	Burst         int          `yaml:"burst"`
	KeyTTL        Duration     `yaml:"keyTTL"`
	SweepInterval Duration     `yaml:"sweepInterval"`
	Redis         *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the optional distributed rate limit store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PoolConfig configures the connection slot pool.
type PoolConfig struct {
	MaxPerBackend   int      `yaml:"maxPerBackend"`
	IdleTTL         Duration `yaml:"idleTTL"`
	AcquirePolicy   string   `yaml:"acquirePolicy"`
	AcquireTimeout  Duration `yaml:"acquireTimeout"`
	CleanupInterval Duration `yaml:"cleanupInterval"`
}

// DeploymentConfig describes one backend deployment.
type DeploymentConfig struct {
	ID       string `yaml:"id"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	Weight   int    `yaml:"weight"`
	Priority int    `yaml:"priority"`

	// Cost attributes used by cost-based routing. When zero the
	// pricing table is consulted by model name instead.
	InputCostPerToken  float64 `yaml:"inputCostPerToken"`
	OutputCostPerToken float64 `yaml:"outputCostPerToken"`

	// Usage limits consulted by usage-based routing. Zero means
	// unlimited.
	RPMLimit int `yaml:"rpmLimit"`
	TPMLimit int `yaml:"tpmLimit"`

	// MaxConnections overrides pool.maxPerBackend for this
	// deployment when non-zero.
	MaxConnections int `yaml:"maxConnections"`
}

// Default configuration values.
const (
	DefaultCooldownTime        = 60 * time.Second
	DefaultFailureThreshold    = 3
	DefaultMaxRetries          = 3
	DefaultAttemptTimeout      = 30 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultLatencyWindowSize   = 64
	DefaultRateLimitRequests   = 100
	DefaultRateLimitWindow     = time.Minute
	DefaultRateLimitBurst      = 10
	DefaultKeyTTL              = 10 * time.Minute
	DefaultSweepInterval       = time.Minute
	DefaultMaxPerBackend       = 16
	DefaultIdleTTL             = 90 * time.Second
	DefaultAcquireTimeout      = 5 * time.Second
	DefaultCleanupInterval     = 30 * time.Second
)

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Router:    DefaultRouterConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Pool:      DefaultPoolConfig(),
	}
}

// DefaultRouterConfig returns router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Strategy:            StrategySimpleShuffle,
		CooldownTime:        Duration(DefaultCooldownTime),
		FailureThreshold:    DefaultFailureThreshold,
		MaxRetries:          DefaultMaxRetries,
		AttemptTimeout:      Duration(DefaultAttemptTimeout),
		HealthCheckInterval: Duration(DefaultHealthCheckInterval),
		LatencyWindowSize:   DefaultLatencyWindowSize,
		CostTieBreak:        CostTieBreakLeastBusy,
	}
}

// DefaultRateLimitConfig returns rate limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Algorithm:     AlgorithmTokenBucket,
		Requests:      DefaultRateLimitRequests,
		Window:        Duration(DefaultRateLimitWindow),
		Burst:         DefaultRateLimitBurst,
		KeyTTL:        Duration(DefaultKeyTTL),
		SweepInterval: Duration(DefaultSweepInterval),
	}
}

// DefaultPoolConfig returns pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerBackend:   DefaultMaxPerBackend,
		IdleTTL:         Duration(DefaultIdleTTL),
		AcquirePolicy:   AcquirePolicyFail,
		AcquireTimeout:  Duration(DefaultAcquireTimeout),
		CleanupInterval: Duration(DefaultCleanupInterval),
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Deployments))
	for i, d := range c.Deployments {
		if d.ID == "" {
			return fmt.Errorf("deployments[%d]: id is required", i)
		}
		if d.Model == "" {
			return fmt.Errorf("deployments[%d]: model is required", i)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("deployments[%d]: endpoint is required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("deployments[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	return nil
}

// Validate checks router configuration.
func (c *RouterConfig) Validate() error {
	switch c.Strategy {
	case StrategySimpleShuffle, StrategyLeastBusy, StrategyLatencyBased,
		StrategyCostBased, StrategyUsageBased, StrategyUsageBasedV2,
		StrategyLeastBusyWithPenalty:
	case "":
		return fmt.Errorf("strategy is required")
	default:
		return fmt.Errorf("unknown strategy: %s", c.Strategy)
	}

	if c.CooldownTime.Duration() <= 0 {
		return fmt.Errorf("cooldownTime must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failureThreshold must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if c.LatencyWindowSize <= 0 {
		return fmt.Errorf("latencyWindowSize must be positive")
	}

	switch c.CostTieBreak {
	case "", CostTieBreakLeastBusy, CostTieBreakRandom:
	default:
		return fmt.Errorf("unknown costTieBreak: %s", c.CostTieBreak)
	}

	return nil
}

// Validate checks rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	switch c.Algorithm {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow:
	default:
		return fmt.Errorf("unknown algorithm: %s", c.Algorithm)
	}

	if c.Requests <= 0 {
		return fmt.Errorf("requests must be positive")
	}
	if c.Window.Duration() <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.Algorithm == AlgorithmTokenBucket && c.Burst <= 0 {
		return fmt.Errorf("burst must be positive for token bucket")
	}
	if c.Redis != nil && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is configured")
	}

	return nil
}

// Validate checks pool configuration.
func (c *PoolConfig) Validate() error {
	if c.MaxPerBackend <= 0 {
		return fmt.Errorf("maxPerBackend must be positive")
	}

	switch c.AcquirePolicy {
	case AcquirePolicyFail, AcquirePolicyWait:
	default:
		return fmt.Errorf("unknown acquirePolicy: %s", c.AcquirePolicy)
	}

	if c.AcquirePolicy == AcquirePolicyWait && c.AcquireTimeout.Duration() <= 0 {
		return fmt.Errorf("acquireTimeout must be positive for wait policy")
	}

	return nil
}
