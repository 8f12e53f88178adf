package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/registry"
)

func deployments(ids ...string) []*registry.Deployment {
	out := make([]*registry.Deployment, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry.NewDeployment(id, "gpt-4o", "http://"+id, 8))
	}
	return out
}

func TestSimpleShuffle_CoversAllCandidates(t *testing.T) {
	t.Parallel()

	s := &SimpleShuffle{}
	candidates := deployments("a", "b", "c")

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		seen[s.Pick(candidates).ID]++
	}

	// Uniform selection over 300 draws should hit every candidate.
	for _, id := range []string{"a", "b", "c"} {
		assert.Greater(t, seen[id], 0, "candidate %s never picked", id)
	}
}

func TestSimpleShuffle_WeightedPick(t *testing.T) {
	t.Parallel()

	s := &SimpleShuffle{}
	candidates := deployments("heavy", "light")
	candidates[0].Weight = 9
	candidates[1].Weight = 1

	seen := make(map[string]int)
	for i := 0; i < 500; i++ {
		seen[s.Pick(candidates).ID]++
	}

	// With a 9:1 weight ratio the heavy candidate expects ~90% of the
	// picks; well over half is a safe bound.
	assert.Greater(t, seen["heavy"], 300)
	assert.Greater(t, seen["light"], 0)
}

func TestLeastBusy_PicksMinimum(t *testing.T) {
	t.Parallel()

	s := &LeastBusy{}
	candidates := deployments("a", "b", "c")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}
	reg.BeginRequest(candidates[0])
	reg.BeginRequest(candidates[0])
	reg.BeginRequest(candidates[2])

	assert.Equal(t, "b", s.Pick(candidates).ID)
}

func TestLeastBusy_TieBreakIsSpread(t *testing.T) {
	t.Parallel()

	s := &LeastBusy{}
	candidates := deployments("a", "b")

	seen := make(map[string]int)
	for i := 0; i < 200; i++ {
		seen[s.Pick(candidates).ID]++
	}

	assert.Greater(t, seen["a"], 0)
	assert.Greater(t, seen["b"], 0)
}

func TestLatencyBased_PicksLowestMean(t *testing.T) {
	t.Parallel()

	s := &LatencyBased{}
	candidates := deployments("slow", "fast")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}

	reg.BeginRequest(candidates[0])
	require.NoError(t, reg.ReportOutcome("slow", true, 500*time.Millisecond))
	reg.BeginRequest(candidates[1])
	require.NoError(t, reg.ReportOutcome("fast", true, 20*time.Millisecond))

	assert.Equal(t, "fast", s.Pick(candidates).ID)
}

func TestLatencyBased_EmptyWindowWins(t *testing.T) {
	t.Parallel()

	s := &LatencyBased{}
	candidates := deployments("seasoned", "fresh")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}
	reg.BeginRequest(candidates[0])
	require.NoError(t, reg.ReportOutcome("seasoned", true, 5*time.Millisecond))

	// fresh has no samples: it counts as zero latency and gets probed.
	assert.Equal(t, "fresh", s.Pick(candidates).ID)
}

func TestCostBased_PicksCheapest(t *testing.T) {
	t.Parallel()

	s := &CostBased{TieBreak: config.CostTieBreakLeastBusy}
	candidates := deployments("pricey", "cheap")
	candidates[0].InputCostPerToken = 0.00001
	candidates[0].OutputCostPerToken = 0.00003
	candidates[1].InputCostPerToken = 0.0000005
	candidates[1].OutputCostPerToken = 0.0000015

	assert.Equal(t, "cheap", s.Pick(candidates).ID)
}

func TestCostBased_LatencyToleranceBoundsCandidates(t *testing.T) {
	t.Parallel()

	s := &CostBased{
		LatencyTolerance: 100 * time.Millisecond,
		TieBreak:         config.CostTieBreakLeastBusy,
	}
	candidates := deployments("cheap-slow", "pricier-fast")
	candidates[0].InputCostPerToken = 0.0000001
	candidates[1].InputCostPerToken = 0.00001

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}
	reg.BeginRequest(candidates[0])
	require.NoError(t, reg.ReportOutcome("cheap-slow", true, 400*time.Millisecond))
	reg.BeginRequest(candidates[1])
	require.NoError(t, reg.ReportOutcome("pricier-fast", true, 30*time.Millisecond))

	// The cheaper deployment is over tolerance, so cost only compares
	// within the fast set.
	assert.Equal(t, "pricier-fast", s.Pick(candidates).ID)
}

func TestCostBased_AllOverToleranceFallsBack(t *testing.T) {
	t.Parallel()

	s := &CostBased{
		LatencyTolerance: time.Millisecond,
		TieBreak:         config.CostTieBreakLeastBusy,
	}
	candidates := deployments("a", "b")
	candidates[0].InputCostPerToken = 0.002
	candidates[1].InputCostPerToken = 0.001

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
		reg.BeginRequest(d)
		require.NoError(t, reg.ReportOutcome(d.ID, true, time.Second))
	}

	// Nobody is within tolerance; selection still succeeds on cost.
	assert.Equal(t, "b", s.Pick(candidates).ID)
}

func TestCostBased_TieBreakLeastBusy(t *testing.T) {
	t.Parallel()

	s := &CostBased{TieBreak: config.CostTieBreakLeastBusy}
	candidates := deployments("busy", "idle")
	candidates[0].InputCostPerToken = 0.001
	candidates[1].InputCostPerToken = 0.001

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}
	reg.BeginRequest(candidates[0])

	assert.Equal(t, "idle", s.Pick(candidates).ID)
}

func TestUsageBased_PicksLowestThroughput(t *testing.T) {
	t.Parallel()

	s := &UsageBased{}
	candidates := deployments("loaded", "quiet")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}
	reg.BeginRequest(candidates[0])
	require.NoError(t, reg.ReportUsage("loaded", 5000))

	assert.Equal(t, "quiet", s.Pick(candidates).ID)
}

func TestUsageBasedV2_RelativeToLimits(t *testing.T) {
	t.Parallel()

	s := &UsageBasedV2{}
	candidates := deployments("small", "large")
	candidates[0].RPMLimit = 10
	candidates[0].TPMLimit = 1000
	candidates[1].RPMLimit = 1000
	candidates[1].TPMLimit = 100000

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}

	// Equal absolute usage, but it saturates the small deployment far
	// more, so the large one wins.
	for i := 0; i < 5; i++ {
		reg.BeginRequest(candidates[0])
		reg.BeginRequest(candidates[1])
	}
	require.NoError(t, reg.ReportUsage("small", 500))
	require.NoError(t, reg.ReportUsage("large", 500))

	assert.Equal(t, "large", s.Pick(candidates).ID)
}

func TestLeastBusyWithPenalty_LatencyPenaltyFlipsPick(t *testing.T) {
	t.Parallel()

	s := &LeastBusyWithPenalty{}
	candidates := deployments("slow", "fast")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}

	// slow: 2 requests this minute, 400ms mean -> score 2 + 4 = 6.
	for i := 0; i < 2; i++ {
		reg.BeginRequest(candidates[0])
		require.NoError(t, reg.ReportOutcome("slow", true, 400*time.Millisecond))
	}
	// fast: 4 requests this minute, 50ms mean -> score 4 + 0.5 = 4.5.
	for i := 0; i < 4; i++ {
		reg.BeginRequest(candidates[1])
		require.NoError(t, reg.ReportOutcome("fast", true, 50*time.Millisecond))
	}

	// The latency penalty outweighs the request-rate difference.
	assert.Equal(t, "fast", s.Pick(candidates).ID)
}

func TestLeastBusyWithPenalty_EqualLatencyPrefersLowerRate(t *testing.T) {
	t.Parallel()

	s := &LeastBusyWithPenalty{}
	candidates := deployments("busy", "quiet")

	reg := registry.New(registry.DefaultHealthPolicy())
	for _, d := range candidates {
		require.NoError(t, reg.Register(d))
	}

	for i := 0; i < 3; i++ {
		reg.BeginRequest(candidates[0])
		require.NoError(t, reg.ReportOutcome("busy", true, 100*time.Millisecond))
	}
	reg.BeginRequest(candidates[1])
	require.NoError(t, reg.ReportOutcome("quiet", true, 100*time.Millisecond))

	assert.Equal(t, "quiet", s.Pick(candidates).ID)
}

func TestNewStrategy_AllConfiguredNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		config.StrategySimpleShuffle,
		config.StrategyLeastBusy,
		config.StrategyLatencyBased,
		config.StrategyCostBased,
		config.StrategyUsageBased,
		config.StrategyUsageBasedV2,
		config.StrategyLeastBusyWithPenalty,
	} {
		cfg := config.DefaultRouterConfig()
		cfg.Strategy = name
		s, err := NewStrategy(cfg)
		require.NoError(t, err, "strategy %s", name)
		assert.Equal(t, name, s.Name())
	}
}

func TestSecureRandomInt_Bounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		n := secureRandomInt(3)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 3)
	}
	assert.Zero(t, secureRandomInt(0))
	assert.Zero(t, secureRandomInt(1))
}
