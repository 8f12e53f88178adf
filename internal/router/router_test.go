package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/registry"
)

func newTestRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()

	r := registry.New(registry.HealthPolicy{
		FailureThreshold: 3,
		CooldownTime:     time.Minute,
	})
	for _, id := range ids {
		require.NoError(t, r.Register(registry.NewDeployment(id, "gpt-4o", "http://"+id, 8)))
	}
	return r
}

func routerWithStrategy(t *testing.T, reg *registry.Registry, strategy string) *Router {
	t.Helper()

	cfg := config.DefaultRouterConfig()
	cfg.Strategy = strategy
	rt, err := New(reg, cfg)
	require.NoError(t, err)
	return rt
}

func TestRouter_UnknownStrategy(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultRouterConfig()
	cfg.Strategy = "round-trip-time"
	_, err := New(newTestRegistry(t), cfg)
	require.Error(t, err)
}

func TestRouter_SelectIncrementsInFlight(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "d1")
	rt := routerWithStrategy(t, reg, config.StrategyLeastBusy)

	d, err := rt.Select(context.Background(), "gpt-4o", nil)
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, int64(1), d.InFlight())
	assert.Equal(t, uint64(1), d.TotalRequests())
}

func TestRouter_SelectNoDeployments(t *testing.T) {
	t.Parallel()

	rt := routerWithStrategy(t, newTestRegistry(t), config.StrategySimpleShuffle)

	_, err := rt.Select(context.Background(), "gpt-4o", nil)
	require.ErrorIs(t, err, ErrNoAvailableDeployment)
}

func TestRouter_SelectHonorsExclusion(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "d1", "d2")
	rt := routerWithStrategy(t, reg, config.StrategySimpleShuffle)

	exclude := map[string]struct{}{"d1": {}}
	for i := 0; i < 10; i++ {
		d, err := rt.Select(context.Background(), "gpt-4o", exclude)
		require.NoError(t, err)
		assert.Equal(t, "d2", d.ID)
		require.NoError(t, reg.ReportOutcome(d.ID, true, time.Millisecond))
	}

	_, err := rt.Select(context.Background(), "gpt-4o", map[string]struct{}{
		"d1": {}, "d2": {},
	})
	require.ErrorIs(t, err, ErrNoAvailableDeployment)
}

func TestRouter_SelectCancelledContext(t *testing.T) {
	t.Parallel()

	rt := routerWithStrategy(t, newTestRegistry(t, "d1"), config.StrategyLeastBusy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Select(ctx, "gpt-4o", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRouter_SelectSkipsCooling(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "d1", "d2")
	rt := routerWithStrategy(t, reg, config.StrategyLeastBusy)

	// Trip d1 into cooldown.
	d1, ok := reg.Get("d1")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		reg.BeginRequest(d1)
		require.NoError(t, reg.ReportOutcome("d1", false, time.Millisecond))
	}

	for i := 0; i < 10; i++ {
		d, err := rt.Select(context.Background(), "gpt-4o", nil)
		require.NoError(t, err)
		assert.Equal(t, "d2", d.ID)
		require.NoError(t, reg.ReportOutcome(d.ID, true, time.Millisecond))
	}
}

// Three deployments at in-flight 0, 2 and 5: least-busy must pick the
// idle one, and keep tracking the minimum as load shifts.
func TestRouter_LeastBusyScenario(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "idle", "warm", "busy")
	rt := routerWithStrategy(t, reg, config.StrategyLeastBusy)

	warm, _ := reg.Get("warm")
	busy, _ := reg.Get("busy")
	for i := 0; i < 2; i++ {
		reg.BeginRequest(warm)
	}
	for i := 0; i < 5; i++ {
		reg.BeginRequest(busy)
	}

	d, err := rt.Select(context.Background(), "gpt-4o", nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", d.ID)

	// idle now carries 1 in-flight; it is still the minimum.
	d, err = rt.Select(context.Background(), "gpt-4o", nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", d.ID)
}

func TestRouter_SetConfigSwapsStrategy(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "d1")
	rt := routerWithStrategy(t, reg, config.StrategySimpleShuffle)
	require.Equal(t, config.StrategySimpleShuffle, rt.Config().Strategy)

	cfg := rt.Config()
	cfg.Strategy = config.StrategyLatencyBased
	require.NoError(t, rt.SetConfig(cfg))
	assert.Equal(t, config.StrategyLatencyBased, rt.Config().Strategy)

	cfg.Strategy = "bogus"
	require.Error(t, rt.SetConfig(cfg))
	// Failed replace leaves the previous configuration in place.
	assert.Equal(t, config.StrategyLatencyBased, rt.Config().Strategy)
}
