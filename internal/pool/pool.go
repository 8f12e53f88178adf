// Package pool provides a bounded connection slot pool. Each backend
// owns an independent set of slots capped at a configured maximum;
// callers acquire a slot before dialing and release it after use.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
)

var (
	// ErrPoolExhausted is returned by Acquire when the backend is at
	// capacity and the pool is configured to fail fast.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrAcquireTimeout is returned when a waiting Acquire exceeds the
	// configured acquire timeout.
	ErrAcquireTimeout = errors.New("acquire timed out")

	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("pool closed")

	// ErrSlotNotCheckedOut is returned by Release when the slot is not
	// currently checked out from this pool.
	ErrSlotNotCheckedOut = errors.New("slot not checked out")
)

// Metrics is the subset of pool instrumentation the pool emits.
type Metrics interface {
	SetPoolSlots(backend string, free, inUse int)
	RecordPoolExhausted(backend string)
}

// Pool manages per-backend slot sets. Backends never contend with
// each other; all slot state for one backend sits behind that
// backend's mutex.
type Pool struct {
	maxPerBackend   int
	idleTTL         time.Duration
	acquirePolicy   string
	acquireTimeout  time.Duration
	cleanupInterval time.Duration

	backends sync.Map // backendID -> *backendPool

	// limits holds per-backend capacity overrides.
	limitsMu sync.RWMutex
	limits   map[string]int

	logger  observability.Logger
	metrics Metrics

	closeMu sync.Mutex
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// backendPool holds the slot state for a single backend. A slot is
// in exactly one of free and checkedOut.
type backendPool struct {
	id  string
	max int

	mu         sync.Mutex
	free       []*Slot
	checkedOut map[string]*Slot
	waiters    []*waiter
}

// waiter is a pending Acquire. The channel is buffered so the
// releasing goroutine never blocks on handoff.
type waiter struct {
	ch chan *Slot
}

// Option is a functional option for the pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithBackendLimit overrides the slot capacity for one backend.
func WithBackendLimit(backendID string, max int) Option {
	return func(p *Pool) {
		if max > 0 {
			p.limits[backendID] = max
		}
	}
}

// New creates a pool from configuration. A background loop evicts
// idle slots; call Close when done.
func New(cfg config.PoolConfig, opts ...Option) *Pool {
	p := &Pool{
		maxPerBackend:   cfg.MaxPerBackend,
		idleTTL:         cfg.IdleTTL.Duration(),
		acquirePolicy:   cfg.AcquirePolicy,
		acquireTimeout:  cfg.AcquireTimeout.Duration(),
		cleanupInterval: cfg.CleanupInterval.Duration(),
		limits:          make(map[string]int),
		logger:          observability.NopLogger(),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	go p.cleanupLoop()

	return p
}

// SetBackendLimit overrides the slot capacity for one backend. It
// affects slots created after the call; existing slots drain
// naturally.
func (p *Pool) SetBackendLimit(backendID string, max int) {
	if max <= 0 {
		return
	}

	p.limitsMu.Lock()
	p.limits[backendID] = max
	p.limitsMu.Unlock()

	if value, ok := p.backends.Load(backendID); ok {
		b := value.(*backendPool)
		b.mu.Lock()
		b.max = max
		b.mu.Unlock()
	}
}

func (p *Pool) maxFor(backendID string) int {
	p.limitsMu.RLock()
	defer p.limitsMu.RUnlock()

	if max, ok := p.limits[backendID]; ok {
		return max
	}
	return p.maxPerBackend
}

func (p *Pool) backendPoolFor(backendID string) *backendPool {
	if value, ok := p.backends.Load(backendID); ok {
		return value.(*backendPool)
	}

	b := &backendPool{
		id:         backendID,
		max:        p.maxFor(backendID),
		checkedOut: make(map[string]*Slot),
	}
	actual, _ := p.backends.LoadOrStore(backendID, b)
	return actual.(*backendPool)
}

// Acquire returns a slot for the backend. It reuses an idle slot if
// available, creates one below capacity, and otherwise fails fast or
// waits depending on the acquire policy. Waiting is bounded by the
// acquire timeout and by ctx.
func (p *Pool) Acquire(ctx context.Context, backendID string) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	now := time.Now()
	b := p.backendPoolFor(backendID)

	b.mu.Lock()

	// Idle slots are reused most-recently-released first.
	if n := len(b.free); n > 0 {
		slot := b.free[n-1]
		b.free[n-1] = nil
		b.free = b.free[:n-1]
		b.checkedOut[slot.id] = slot
		p.publishStatsLocked(b)
		b.mu.Unlock()
		return slot, nil
	}

	if len(b.checkedOut) < b.max {
		slot := newSlot(backendID, now)
		b.checkedOut[slot.id] = slot
		p.publishStatsLocked(b)
		b.mu.Unlock()
		p.logger.Debug("created pool slot",
			observability.String("backend", backendID),
			observability.String("slot", slot.id),
		)
		return slot, nil
	}

	if p.acquirePolicy != config.AcquirePolicyWait {
		b.mu.Unlock()
		if p.metrics != nil {
			p.metrics.RecordPoolExhausted(backendID)
		}
		return nil, ErrPoolExhausted
	}

	w := &waiter{ch: make(chan *Slot, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case slot := <-w.ch:
		if slot == nil {
			return nil, ErrPoolClosed
		}
		return slot, nil
	case <-ctx.Done():
		return nil, p.abandonWait(b, w, ctx.Err())
	case <-timer.C:
		if p.metrics != nil {
			p.metrics.RecordPoolExhausted(backendID)
		}
		return nil, p.abandonWait(b, w, ErrAcquireTimeout)
	}
}

// abandonWait removes w from the wait queue and returns cause. If a
// slot was handed to w before the queue lock was taken, the slot is
// returned to the pool and cause is still reported.
func (p *Pool) abandonWait(b *backendPool, w *waiter, cause error) error {
	b.mu.Lock()

	for i, queued := range b.waiters {
		if queued == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			return cause
		}
	}

	// Not in the queue: a release already delivered a slot. The
	// handoff registered it as checked out, so undo that before
	// putting it back.
	select {
	case slot := <-w.ch:
		if slot != nil {
			delete(b.checkedOut, slot.id)
			p.returnSlotLocked(b, slot, time.Now())
		}
	default:
	}
	b.mu.Unlock()
	return cause
}

// Release returns a checked-out slot to the pool. Slots marked
// unhealthy are destroyed instead of rejoining the free list.
func (p *Pool) Release(slot *Slot) error {
	if slot == nil {
		return ErrSlotNotCheckedOut
	}

	b := p.backendPoolFor(slot.backendID)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.checkedOut[slot.id]; !ok {
		return ErrSlotNotCheckedOut
	}
	delete(b.checkedOut, slot.id)

	if slot.unhealthy || p.isClosed() {
		p.logger.Debug("destroyed pool slot",
			observability.String("backend", slot.backendID),
			observability.String("slot", slot.id),
			observability.Bool("unhealthy", slot.unhealthy),
		)
		// Destroying opened capacity below max; queued waiters
		// cannot reach the create path themselves, so hand the
		// oldest one a fresh slot.
		if !p.isClosed() && len(b.waiters) > 0 && len(b.checkedOut) < b.max {
			p.returnSlotLocked(b, newSlot(slot.backendID, now), now)
			return nil
		}
		p.publishStatsLocked(b)
		return nil
	}

	slot.lastUsed = now
	p.returnSlotLocked(b, slot, now)
	return nil
}

// returnSlotLocked hands the slot to the oldest waiter or pushes it
// on the free list. Must hold b.mu.
func (p *Pool) returnSlotLocked(b *backendPool, slot *Slot, now time.Time) {
	slot.lastUsed = now

	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = append(b.waiters[:0], b.waiters[1:]...)
		b.checkedOut[slot.id] = slot
		w.ch <- slot
		p.publishStatsLocked(b)
		return
	}

	b.free = append(b.free, slot)
	p.publishStatsLocked(b)
}

// publishStatsLocked updates the slot gauges. Must hold b.mu.
func (p *Pool) publishStatsLocked(b *backendPool) {
	if p.metrics != nil {
		p.metrics.SetPoolSlots(b.id, len(b.free), len(b.checkedOut))
	}
}

// CleanupExpired destroys idle slots whose last use is older than the
// idle TTL. It returns the number of slots destroyed. Checked-out
// slots are never touched.
func (p *Pool) CleanupExpired() int {
	now := time.Now()
	destroyed := 0

	p.backends.Range(func(_, value interface{}) bool {
		b := value.(*backendPool)

		b.mu.Lock()
		kept := b.free[:0]
		for _, slot := range b.free {
			if now.Sub(slot.lastUsed) > p.idleTTL {
				destroyed++
				continue
			}
			kept = append(kept, slot)
		}
		for i := len(kept); i < len(b.free); i++ {
			b.free[i] = nil
		}
		b.free = kept
		p.publishStatsLocked(b)
		b.mu.Unlock()
		return true
	})

	if destroyed > 0 {
		p.logger.Debug("evicted idle pool slots", observability.Int("count", destroyed))
	}
	return destroyed
}

func (p *Pool) cleanupLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CleanupExpired()
		case <-p.stopCh:
			return
		}
	}
}

// BackendStats is a point-in-time view of one backend's slots.
type BackendStats struct {
	Free    int
	InUse   int
	Waiters int
	Max     int
}

// Stats returns per-backend slot counts. The snapshot is advisory:
// counts may change as soon as the locks are dropped.
func (p *Pool) Stats() map[string]BackendStats {
	stats := make(map[string]BackendStats)

	p.backends.Range(func(key, value interface{}) bool {
		b := value.(*backendPool)
		b.mu.Lock()
		stats[key.(string)] = BackendStats{
			Free:    len(b.free),
			InUse:   len(b.checkedOut),
			Waiters: len(b.waiters),
			Max:     b.max,
		}
		b.mu.Unlock()
		return true
	})

	return stats
}

func (p *Pool) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}

// Close stops the cleanup loop, drops idle slots, and wakes all
// waiters with ErrPoolClosed. Checked-out slots are destroyed when
// released. Safe to call multiple times.
func (p *Pool) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	p.backends.Range(func(_, value interface{}) bool {
		b := value.(*backendPool)
		b.mu.Lock()
		b.free = nil
		for _, w := range b.waiters {
			w.ch <- nil
		}
		b.waiters = nil
		p.publishStatsLocked(b)
		b.mu.Unlock()
		return true
	})

	return nil
}
