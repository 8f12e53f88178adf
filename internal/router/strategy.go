package router

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/registry"
)

// Strategy picks one deployment from a non-empty candidate set. All
// strategies are pure over the candidates' live state; the in-flight
// increment happens in the router after the pick.
type Strategy interface {
	Name() string
	Pick(candidates []*registry.Deployment) *registry.Deployment
}

// NewStrategy creates a strategy from its configured name.
func NewStrategy(cfg config.RouterConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategySimpleShuffle:
		return &SimpleShuffle{}, nil
	case config.StrategyLeastBusy:
		return &LeastBusy{}, nil
	case config.StrategyLatencyBased:
		return &LatencyBased{}, nil
	case config.StrategyCostBased:
		return &CostBased{
			LatencyTolerance: cfg.LatencyTolerance.Duration(),
			TieBreak:         cfg.CostTieBreak,
		}, nil
	case config.StrategyUsageBased:
		return &UsageBased{}, nil
	case config.StrategyUsageBasedV2:
		return &UsageBasedV2{}, nil
	case config.StrategyLeastBusyWithPenalty:
		return &LeastBusyWithPenalty{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy: %s", cfg.Strategy)
	}
}

// SimpleShuffle picks at random with probability proportional to each
// candidate's weight. It ignores load and latency signals entirely,
// which makes it a useful fairness baseline.
type SimpleShuffle struct{}

// Name returns the strategy name.
func (s *SimpleShuffle) Name() string { return config.StrategySimpleShuffle }

// Pick returns a weighted random candidate.
func (s *SimpleShuffle) Pick(candidates []*registry.Deployment) *registry.Deployment {
	total := 0
	for _, d := range candidates {
		total += weightOf(d)
	}

	r := secureRandomInt(total)
	for _, d := range candidates {
		r -= weightOf(d)
		if r < 0 {
			return d
		}
	}
	return candidates[len(candidates)-1]
}

// weightOf treats missing or invalid weights as one.
func weightOf(d *registry.Deployment) int {
	if d.Weight > 0 {
		return d.Weight
	}
	return 1
}

// LeastBusy picks the candidate with the smallest in-flight count,
// breaking ties uniformly at random to avoid herding.
type LeastBusy struct{}

// Name returns the strategy name.
func (s *LeastBusy) Name() string { return config.StrategyLeastBusy }

// Pick returns the least busy candidate.
func (s *LeastBusy) Pick(candidates []*registry.Deployment) *registry.Deployment {
	return pickLeastBusy(candidates)
}

func pickLeastBusy(candidates []*registry.Deployment) *registry.Deployment {
	minInFlight := int64(-1)
	var ties []*registry.Deployment

	for _, d := range candidates {
		inFlight := d.InFlight()
		switch {
		case minInFlight < 0 || inFlight < minInFlight:
			minInFlight = inFlight
			ties = ties[:0]
			ties = append(ties, d)
		case inFlight == minInFlight:
			ties = append(ties, d)
		}
	}

	if len(ties) == 1 {
		return ties[0]
	}
	return ties[secureRandomInt(len(ties))]
}

// LatencyBased picks the candidate with the lowest mean latency over
// its rolling window. An empty window counts as zero latency so new
// and freshly recovered deployments get probed instead of starved.
type LatencyBased struct{}

// Name returns the strategy name.
func (s *LatencyBased) Name() string { return config.StrategyLatencyBased }

// Pick returns the lowest-latency candidate.
func (s *LatencyBased) Pick(candidates []*registry.Deployment) *registry.Deployment {
	best := candidates[0]
	bestLatency := best.MeanLatency()

	for _, d := range candidates[1:] {
		if l := d.MeanLatency(); l < bestLatency {
			best = d
			bestLatency = l
		}
	}
	return best
}

// CostBased picks the cheapest candidate among those within the
// latency tolerance, breaking cost ties by least-busy or at random
// depending on configuration.
type CostBased struct {
	// LatencyTolerance bounds eligibility by mean latency; zero
	// disables the bound.
	LatencyTolerance time.Duration

	// TieBreak is config.CostTieBreakLeastBusy or
	// config.CostTieBreakRandom.
	TieBreak string
}

// Name returns the strategy name.
func (s *CostBased) Name() string { return config.StrategyCostBased }

// Pick returns the cheapest eligible candidate.
func (s *CostBased) Pick(candidates []*registry.Deployment) *registry.Deployment {
	eligible := candidates
	if s.LatencyTolerance > 0 {
		toleranceMS := float64(s.LatencyTolerance) / float64(time.Millisecond)
		within := make([]*registry.Deployment, 0, len(candidates))
		for _, d := range candidates {
			if d.MeanLatency() <= toleranceMS {
				within = append(within, d)
			}
		}
		// Fall back to the full set rather than failing when every
		// candidate is over tolerance.
		if len(within) > 0 {
			eligible = within
		}
	}

	minCost := -1.0
	var cheapest []*registry.Deployment
	for _, d := range eligible {
		cost := d.TotalCostPerToken()
		switch {
		case minCost < 0 || cost < minCost:
			minCost = cost
			cheapest = cheapest[:0]
			cheapest = append(cheapest, d)
		case cost == minCost:
			cheapest = append(cheapest, d)
		}
	}

	if len(cheapest) == 1 {
		return cheapest[0]
	}
	if s.TieBreak == config.CostTieBreakRandom {
		return cheapest[secureRandomInt(len(cheapest))]
	}
	return pickLeastBusy(cheapest)
}

// UsageBased picks the candidate with the lowest combined request and
// token throughput over the current minute.
type UsageBased struct{}

// Name returns the strategy name.
func (s *UsageBased) Name() string { return config.StrategyUsageBased }

// Pick returns the least utilised candidate by absolute RPM+TPM.
func (s *UsageBased) Pick(candidates []*registry.Deployment) *registry.Deployment {
	now := time.Now()
	best := candidates[0]
	bestUsage := best.CurrentRPM(now) + best.CurrentTPM(now)

	for _, d := range candidates[1:] {
		if usage := d.CurrentRPM(now) + d.CurrentTPM(now); usage < bestUsage {
			best = d
			bestUsage = usage
		}
	}
	return best
}

// Default limits assumed by UsageBasedV2 when a deployment declares
// none.
const (
	defaultRPMLimit = 1000
	defaultTPMLimit = 100000
)

// UsageBasedV2 picks the candidate with the lowest utilisation as a
// fraction of its declared RPM and TPM limits.
type UsageBasedV2 struct{}

// Name returns the strategy name.
func (s *UsageBasedV2) Name() string { return config.StrategyUsageBasedV2 }

// Pick returns the least utilised candidate relative to its limits.
func (s *UsageBasedV2) Pick(candidates []*registry.Deployment) *registry.Deployment {
	now := time.Now()
	best := candidates[0]
	bestUsage := usageFraction(best, now)

	for _, d := range candidates[1:] {
		if usage := usageFraction(d, now); usage < bestUsage {
			best = d
			bestUsage = usage
		}
	}
	return best
}

func usageFraction(d *registry.Deployment, now time.Time) float64 {
	rpmLimit := d.RPMLimit
	if rpmLimit <= 0 {
		rpmLimit = defaultRPMLimit
	}
	tpmLimit := d.TPMLimit
	if tpmLimit <= 0 {
		tpmLimit = defaultTPMLimit
	}

	rpmPct := float64(d.CurrentRPM(now)) / float64(rpmLimit)
	tpmPct := float64(d.CurrentTPM(now)) / float64(tpmLimit)
	return rpmPct + tpmPct
}

// LeastBusyWithPenalty picks the candidate with the lowest combined
// score of current request rate and mean latency, charging one point
// per 100ms of latency so a fast deployment absorbs more load before
// losing the pick.
type LeastBusyWithPenalty struct{}

// Name returns the strategy name.
func (s *LeastBusyWithPenalty) Name() string { return config.StrategyLeastBusyWithPenalty }

// Pick returns the candidate with the lowest penalised score.
func (s *LeastBusyWithPenalty) Pick(candidates []*registry.Deployment) *registry.Deployment {
	now := time.Now()
	best := candidates[0]
	bestScore := penaltyScore(best, now)

	for _, d := range candidates[1:] {
		if score := penaltyScore(d, now); score < bestScore {
			best = d
			bestScore = score
		}
	}
	return best
}

func penaltyScore(d *registry.Deployment, now time.Time) float64 {
	return float64(d.CurrentRPM(now)) + d.MeanLatency()/100.0
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
