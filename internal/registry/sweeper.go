package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dispatchcore/llmdispatch/internal/observability"
)

// ProbeFunc verifies that a cooling deployment is ready to serve
// again, typically by pinging its endpoint. Returning an error keeps
// the deployment in cooldown for another full cooldown period.
type ProbeFunc func(ctx context.Context, d *Deployment) error

// Sweeper eagerly recovers deployments whose cooldown has expired, so
// that the first selection after recovery does not pay the lazy-expiry
// cost. It runs entirely outside the registry's read path and is
// optional: without it the registry still recovers lazily.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	probe    ProbeFunc
	limiter  *rate.Limiter
	logger   observability.Logger
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// SweeperOption is a functional option for configuring the sweeper.
type SweeperOption func(*Sweeper)

// WithProbe sets the recovery probe. Probes are paced by the
// sweeper's rate limiter to avoid bursts against recovering backends.
func WithProbe(probe ProbeFunc) SweeperOption {
	return func(s *Sweeper) {
		s.probe = probe
	}
}

// WithProbeRate caps how many probes per second the sweeper issues.
func WithProbeRate(perSecond float64, burst int) SweeperOption {
	return func(s *Sweeper) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSweeperLogger sets the logger for the sweeper.
func WithSweeperLogger(logger observability.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper over the given registry.
func NewSweeper(r *Registry, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	s := &Sweeper{
		registry: r,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		logger:   observability.NopLogger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. Subsequent calls are no-ops.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop. Safe to call multiple times, and
// before Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}
}

// Sweep performs one pass: every deployment whose cooldown has
// expired is probed (when a probe is configured) and recovered. The
// pass is idempotent and safe to run concurrently with selections.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	policy := s.registry.Policy()

	for _, d := range s.registry.All() {
		until := d.cooldownUntil.Load()
		if until == 0 || now.UnixNano() < until {
			continue
		}

		if s.probe != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.probe(ctx, d); err != nil {
				d.startCooldown(time.Now(), policy.CooldownTime)
				s.logger.Warn("recovery probe failed, extending cooldown",
					observability.String("id", d.ID),
					observability.Error(err),
				)
				continue
			}
		}

		// Same transition the lazy read path performs.
		if d.Healthy(time.Now()) {
			s.logger.Info("deployment recovered from cooldown",
				observability.String("id", d.ID),
			)
			if s.registry.metrics != nil {
				s.registry.metrics.SetDeploymentHealth(d.ID, true)
			}
		}
	}
}
