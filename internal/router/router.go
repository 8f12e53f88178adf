// Package router orchestrates deployment selection over the registry.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
	"github.com/dispatchcore/llmdispatch/internal/registry"
)

// ErrNoAvailableDeployment is returned when no healthy, non-excluded
// deployment serves the requested model.
var ErrNoAvailableDeployment = errors.New("no available deployment")

// routerState couples the immutable configuration with the strategy
// built from it, so both are swapped in one atomic replace.
type routerState struct {
	cfg      config.RouterConfig
	strategy Strategy
}

// Router picks deployments for models. It never retries internally:
// on failure the caller re-selects with the tried IDs excluded, since
// only the caller can distinguish retryable failures from terminal
// ones.
type Router struct {
	registry *registry.Registry
	state    atomic.Pointer[routerState]
	logger   observability.Logger
	metrics  *observability.Metrics
}

// Option is a functional option for configuring the router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink for the router.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router over the given registry.
func New(reg *registry.Registry, cfg config.RouterConfig, opts ...Option) (*Router, error) {
	strategy, err := NewStrategy(cfg)
	if err != nil {
		return nil, err
	}

	r := &Router{
		registry: reg,
		logger:   observability.NopLogger(),
	}
	r.state.Store(&routerState{cfg: cfg, strategy: strategy})

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// SetConfig atomically replaces the router configuration and the
// strategy derived from it. In-progress selections finish on the old
// configuration.
func (r *Router) SetConfig(cfg config.RouterConfig) error {
	strategy, err := NewStrategy(cfg)
	if err != nil {
		return err
	}

	r.state.Store(&routerState{cfg: cfg, strategy: strategy})
	r.logger.Info("router configuration replaced",
		observability.String("strategy", cfg.Strategy),
	)
	return nil
}

// Config returns the current router configuration.
func (r *Router) Config() config.RouterConfig {
	return r.state.Load().cfg
}

// Select picks one healthy deployment serving the model, excluding
// the given IDs, and increments its in-flight count as part of the
// same logical operation. The caller must report the outcome exactly
// once via the registry, successful or not, to release the in-flight
// lease.
func (r *Router) Select(ctx context.Context, model string, exclude map[string]struct{}) (*registry.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := r.state.Load()

	candidates := r.registry.Snapshot(model)
	if len(exclude) > 0 {
		filtered := candidates[:0]
		for _, d := range candidates {
			if _, skip := exclude[d.ID]; !skip {
				filtered = append(filtered, d)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		if r.metrics != nil {
			r.metrics.RecordSelectionError(model, "no_available_deployment")
		}
		return nil, fmt.Errorf("model %s: %w", model, ErrNoAvailableDeployment)
	}

	chosen := state.strategy.Pick(candidates)
	r.registry.BeginRequest(chosen)

	if r.metrics != nil {
		r.metrics.RecordSelection(model, state.strategy.Name())
	}
	r.logger.Debug("selected deployment",
		observability.String("model", model),
		observability.String("deployment", chosen.ID),
		observability.String("strategy", state.strategy.Name()),
	)

	return chosen, nil
}
