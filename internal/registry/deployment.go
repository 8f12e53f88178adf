// Package registry maintains the authoritative, concurrently mutable
// state for every known backend deployment.
package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a deployment.
type Status int32

const (
	// StatusHealthy indicates the deployment is eligible for selection.
	StatusHealthy Status = iota
	// StatusCooling indicates the deployment is excluded until its
	// cooldown expires.
	StatusCooling
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Deployment represents one addressable backend instance serving a
// model. Identity fields are immutable after construction; live state
// is updated through atomic counters and a per-record mutex for the
// latency window.
type Deployment struct {
	ID       string
	Model    string
	Endpoint string
	Weight   int
	Priority int

	// Static cost attributes used by cost-based routing.
	InputCostPerToken  float64
	OutputCostPerToken float64

	// Usage limits consulted by usage-based routing. Zero means
	// unlimited.
	RPMLimit int
	TPMLimit int

	inFlight      atomic.Int64
	totalRequests atomic.Uint64
	successes     atomic.Uint64
	failures      atomic.Uint64
	consecFails   atomic.Int32

	// cooldownUntil holds the cooldown expiry as UnixNano; zero
	// means not cooling.
	cooldownUntil atomic.Int64

	// Per-minute request and token counters for usage-based routing.
	rpm minuteCounter
	tpm minuteCounter

	mu         sync.Mutex
	latencies  []float64 // milliseconds, oldest first
	windowSize int
}

// NewDeployment creates a deployment with the given identity and an
// empty latency window of the given size.
func NewDeployment(id, model, endpoint string, windowSize int) *Deployment {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &Deployment{
		ID:         id,
		Model:      model,
		Endpoint:   endpoint,
		Weight:     1,
		latencies:  make([]float64, 0, windowSize),
		windowSize: windowSize,
	}
}

// InFlight returns the current in-flight request count.
func (d *Deployment) InFlight() int64 {
	return d.inFlight.Load()
}

// TotalRequests returns the total number of requests dispatched to
// this deployment.
func (d *Deployment) TotalRequests() uint64 {
	return d.totalRequests.Load()
}

// ConsecutiveFailures returns the current consecutive failure count.
func (d *Deployment) ConsecutiveFailures() int {
	return int(d.consecFails.Load())
}

// beginRequest marks a dispatch start: increments in-flight and the
// total and per-minute counters. It is called by the router as part
// of selection so concurrent selections observe the admission.
func (d *Deployment) beginRequest(now time.Time) {
	d.inFlight.Add(1)
	d.totalRequests.Add(1)
	d.rpm.add(now, 1)
}

// endRequest marks a dispatch end, flooring the in-flight count at
// zero so a misbehaving caller cannot drive it negative.
func (d *Deployment) endRequest() {
	for {
		cur := d.inFlight.Load()
		if cur <= 0 {
			return
		}
		if d.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Healthy reports whether the deployment is eligible at the given
// time. A read past the stored cooldown expiry transitions the record
// back to healthy and resets the consecutive failure counter; there
// is no background timer.
func (d *Deployment) Healthy(now time.Time) bool {
	until := d.cooldownUntil.Load()
	if until == 0 {
		return true
	}
	if now.UnixNano() < until {
		return false
	}
	// Lazy recovery. The CAS loses to a concurrent ReportOutcome
	// that re-cooled the deployment, which is the correct outcome.
	if d.cooldownUntil.CompareAndSwap(until, 0) {
		d.consecFails.Store(0)
	}
	return d.cooldownUntil.Load() == 0
}

// StatusAt returns the deployment status at the given time, applying
// lazy cooldown expiry.
func (d *Deployment) StatusAt(now time.Time) Status {
	if d.Healthy(now) {
		return StatusHealthy
	}
	return StatusCooling
}

// CooldownUntil returns the cooldown expiry, or the zero time when
// the deployment is not cooling.
func (d *Deployment) CooldownUntil() time.Time {
	until := d.cooldownUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// startCooldown places the deployment in cooling until now+d. It is
// a no-op when a later cooldown is already active.
func (d *Deployment) startCooldown(now time.Time, cooldown time.Duration) bool {
	target := now.Add(cooldown).UnixNano()
	for {
		cur := d.cooldownUntil.Load()
		if cur >= target {
			return false
		}
		if d.cooldownUntil.CompareAndSwap(cur, target) {
			return true
		}
	}
}

// recordLatency appends a latency sample, evicting the oldest when
// the window is full.
func (d *Deployment) recordLatency(ms float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.latencies) >= d.windowSize {
		// Shift in place; the window is small and bounded.
		copy(d.latencies, d.latencies[1:])
		d.latencies = d.latencies[:len(d.latencies)-1]
	}
	d.latencies = append(d.latencies, ms)
}

// MeanLatency returns the mean of the latency window in milliseconds.
// An empty window yields zero, which deliberately prioritises new and
// recovered deployments for cold-start probing.
func (d *Deployment) MeanLatency() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range d.latencies {
		sum += v
	}
	return sum / float64(len(d.latencies))
}

// LatencySamples returns a copy of the current latency window.
func (d *Deployment) LatencySamples() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.latencies))
	copy(out, d.latencies)
	return out
}

// TotalCostPerToken returns the combined input and output token cost.
func (d *Deployment) TotalCostPerToken() float64 {
	return d.InputCostPerToken + d.OutputCostPerToken
}

// CurrentRPM returns the requests recorded in the current minute.
func (d *Deployment) CurrentRPM(now time.Time) int64 {
	return d.rpm.value(now)
}

// CurrentTPM returns the tokens recorded in the current minute.
func (d *Deployment) CurrentTPM(now time.Time) int64 {
	return d.tpm.value(now)
}

// minuteCounter is a coarse per-minute counter. The count resets when
// the minute boundary passes; precision is deliberately coarse since
// usage-based routing only needs a relative load signal.
type minuteCounter struct {
	minuteStart atomic.Int64 // UnixNano of the counted minute's start
	count       atomic.Int64
}

func (c *minuteCounter) add(now time.Time, n int64) {
	c.roll(now)
	c.count.Add(n)
}

func (c *minuteCounter) value(now time.Time) int64 {
	c.roll(now)
	return c.count.Load()
}

// roll resets the counter when the tracked minute has passed. Racing
// rollers may both reset; at most a handful of increments are lost,
// which is acceptable for a load signal.
func (c *minuteCounter) roll(now time.Time) {
	minute := now.Truncate(time.Minute).UnixNano()
	cur := c.minuteStart.Load()
	if cur == minute {
		return
	}
	if c.minuteStart.CompareAndSwap(cur, minute) {
		c.count.Store(0)
	}
}
