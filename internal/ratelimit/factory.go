package ratelimit

import (
	"fmt"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
	"github.com/dispatchcore/llmdispatch/internal/ratelimit/store"
)

// New builds a Limiter from configuration. When a Redis section is
// present the limiter shares counters through Redis; otherwise state
// is kept in-process. metrics may be nil.
func New(cfg config.RateLimitConfig, logger observability.Logger, metrics Metrics) (Limiter, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	var backing store.Store
	if cfg.Redis != nil {
		opts := store.DefaultRedisOptions()
		opts.Address = cfg.Redis.Address
		opts.Password = cfg.Redis.Password
		opts.DB = cfg.Redis.DB
		if cfg.Redis.Prefix != "" {
			opts.Prefix = cfg.Redis.Prefix
		}
		opts.Logger = logger

		s, err := store.NewRedisStore(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		backing = s
	}

	switch cfg.Algorithm {
	case config.AlgorithmTokenBucket:
		rate := float64(cfg.Requests) / cfg.Window.Duration().Seconds()
		opts := []TokenBucketOption{
			WithTokenBucketLogger(logger),
			WithTokenBucketTTL(cfg.KeyTTL.Duration(), cfg.SweepInterval.Duration()),
		}
		if metrics != nil {
			opts = append(opts, WithTokenBucketMetrics(metrics))
		}
		if backing != nil {
			opts = append(opts, WithTokenBucketStore(backing))
		}
		return NewTokenBucketLimiter(rate, cfg.Burst, opts...), nil

	case config.AlgorithmSlidingWindow:
		opts := []SlidingWindowOption{
			WithSlidingWindowLogger(logger),
			WithSlidingWindowTTL(cfg.KeyTTL.Duration(), cfg.SweepInterval.Duration()),
		}
		if metrics != nil {
			opts = append(opts, WithSlidingWindowMetrics(metrics))
		}
		if backing != nil {
			opts = append(opts, WithSlidingWindowStore(backing))
		}
		return NewSlidingWindowLimiter(cfg.Requests, cfg.Window.Duration(), opts...), nil

	default:
		if backing != nil {
			_ = backing.Close()
		}
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", cfg.Algorithm)
	}
}
