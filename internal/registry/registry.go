package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/observability"
)

// ErrDuplicateID is returned when registering an already known
// deployment ID.
type ErrDuplicateID struct {
	ID string
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("deployment already registered: %s", e.ID)
}

// ErrNotFound is returned when the deployment ID is unknown.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("deployment not found: %s", e.ID)
}

// HealthPolicy controls the cooldown state machine. It is replaced
// as a whole on configuration reload, never mutated in place.
type HealthPolicy struct {
	// FailureThreshold is the number of consecutive failures that
	// trips a deployment into cooling.
	FailureThreshold int

	// CooldownTime is how long a tripped deployment stays excluded.
	CooldownTime time.Duration
}

// DefaultHealthPolicy returns the default cooldown policy.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold: 3,
		CooldownTime:     60 * time.Second,
	}
}

// Registry owns all deployment records. Records are held in a
// sync.Map keyed by deployment ID so unrelated deployments never
// contend; per-record updates go through atomics or the record's own
// mutex.
type Registry struct {
	deployments sync.Map // id -> *Deployment
	count       atomic.Int64
	policy      atomic.Pointer[HealthPolicy]
	logger      observability.Logger
	metrics     *observability.Metrics
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink for the registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a registry with the given health policy.
func New(policy HealthPolicy, opts ...Option) *Registry {
	r := &Registry{
		logger: observability.NopLogger(),
	}
	r.policy.Store(&policy)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetPolicy atomically replaces the health policy.
func (r *Registry) SetPolicy(policy HealthPolicy) {
	r.policy.Store(&policy)
}

// Policy returns the current health policy.
func (r *Registry) Policy() HealthPolicy {
	return *r.policy.Load()
}

// Register adds a deployment. It fails with ErrDuplicateID when the
// ID is already known.
func (r *Registry) Register(d *Deployment) error {
	if _, loaded := r.deployments.LoadOrStore(d.ID, d); loaded {
		return &ErrDuplicateID{ID: d.ID}
	}
	r.count.Add(1)

	r.logger.Info("registered deployment",
		observability.String("id", d.ID),
		observability.String("model", d.Model),
		observability.String("endpoint", d.Endpoint),
	)
	if r.metrics != nil {
		r.metrics.SetDeploymentHealth(d.ID, true)
	}

	return nil
}

// Deregister removes a deployment. In-flight requests already holding
// a reference complete normally; only future snapshots stop seeing it.
func (r *Registry) Deregister(id string) error {
	if _, loaded := r.deployments.LoadAndDelete(id); !loaded {
		return &ErrNotFound{ID: id}
	}
	r.count.Add(-1)

	r.logger.Info("deregistered deployment",
		observability.String("id", id),
	)

	return nil
}

// Get returns a deployment by ID.
func (r *Registry) Get(id string) (*Deployment, bool) {
	v, ok := r.deployments.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Deployment), true
}

// Len returns the number of registered deployments.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// ReportOutcome records the completion of a dispatched request.
// Callers must invoke it exactly once per selection; it decrements
// the in-flight count, appends the latency sample and drives the
// cooldown state machine. Reporting on a deregistered deployment is
// a no-op beyond the NotFound error.
func (r *Registry) ReportOutcome(id string, success bool, latency time.Duration) error {
	d, ok := r.Get(id)
	if !ok {
		return &ErrNotFound{ID: id}
	}

	d.endRequest()
	d.recordLatency(float64(latency) / float64(time.Millisecond))

	if r.metrics != nil {
		r.metrics.SetInFlight(d.ID, d.InFlight())
		r.metrics.RecordLatency(d.ID, latency.Seconds())
	}

	if success {
		d.successes.Add(1)
		d.consecFails.Store(0)
		return nil
	}

	d.failures.Add(1)
	fails := d.consecFails.Add(1)

	policy := r.policy.Load()
	if int(fails) >= policy.FailureThreshold {
		now := time.Now()
		if d.startCooldown(now, policy.CooldownTime) {
			r.logger.Warn("deployment entering cooldown",
				observability.String("id", d.ID),
				observability.Int("consecutiveFailures", int(fails)),
				observability.Duration("cooldown", policy.CooldownTime),
			)
			if r.metrics != nil {
				r.metrics.RecordCooldown(d.ID)
				r.metrics.SetDeploymentHealth(d.ID, false)
			}
		}
	}

	return nil
}

// ReportUsage records tokens consumed by a completed request, feeding
// the per-minute usage counters consulted by usage-based routing.
func (r *Registry) ReportUsage(id string, tokens int64) error {
	d, ok := r.Get(id)
	if !ok {
		return &ErrNotFound{ID: id}
	}
	d.tpm.add(time.Now(), tokens)
	return nil
}

// Snapshot returns the deployments serving the given model that are
// healthy at the time of the call, applying lazy cooldown expiry. The
// snapshot is advisory: state may change between snapshot and
// selection, which is accepted.
func (r *Registry) Snapshot(model string) []*Deployment {
	now := time.Now()
	var out []*Deployment

	r.deployments.Range(func(_, v interface{}) bool {
		d := v.(*Deployment)
		if d.Model != model {
			return true
		}
		if !d.Healthy(now) {
			return true
		}
		out = append(out, d)
		return true
	})

	return out
}

// All returns every registered deployment regardless of health.
func (r *Registry) All() []*Deployment {
	var out []*Deployment
	r.deployments.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Deployment))
		return true
	})
	return out
}

// BeginRequest marks a selection on the given deployment, making the
// in-flight increment visible to concurrent selections. The caller
// must pair it with exactly one ReportOutcome.
func (r *Registry) BeginRequest(d *Deployment) {
	d.beginRequest(time.Now())
	if r.metrics != nil {
		r.metrics.SetInFlight(d.ID, d.InFlight())
	}
}

// Stats is a read-only snapshot of registry state.
type Stats struct {
	Deployments   int               `json:"deployments"`
	Healthy       int               `json:"healthy"`
	Cooling       int               `json:"cooling"`
	TotalRequests uint64            `json:"totalRequests"`
	InFlight      int64             `json:"inFlight"`
	PerDeployment []DeploymentStats `json:"perDeployment"`
}

// DeploymentStats is the per-deployment slice of Stats.
type DeploymentStats struct {
	ID            string  `json:"id"`
	Model         string  `json:"model"`
	Status        string  `json:"status"`
	InFlight      int64   `json:"inFlight"`
	TotalRequests uint64  `json:"totalRequests"`
	Successes     uint64  `json:"successes"`
	Failures      uint64  `json:"failures"`
	MeanLatencyMS float64 `json:"meanLatencyMs"`
}

// Stats returns a point-in-time view of all deployments. It never
// mutates state and is safe at any concurrency level.
func (r *Registry) Stats() Stats {
	now := time.Now()
	var s Stats

	r.deployments.Range(func(_, v interface{}) bool {
		d := v.(*Deployment)
		s.Deployments++

		status := StatusCooling
		// Read without the lazy-expiry side effect: Stats must not
		// mutate state.
		until := d.cooldownUntil.Load()
		if until == 0 || now.UnixNano() >= until {
			status = StatusHealthy
		}
		if status == StatusHealthy {
			s.Healthy++
		} else {
			s.Cooling++
		}

		inFlight := d.InFlight()
		s.InFlight += inFlight
		s.TotalRequests += d.TotalRequests()

		s.PerDeployment = append(s.PerDeployment, DeploymentStats{
			ID:            d.ID,
			Model:         d.Model,
			Status:        status.String(),
			InFlight:      inFlight,
			TotalRequests: d.TotalRequests(),
			Successes:     d.successes.Load(),
			Failures:      d.failures.Load(),
			MeanLatencyMS: d.MeanLatency(),
		})
		return true
	})

	return s
}
