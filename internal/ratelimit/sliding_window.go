package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
	"github.com/dispatchcore/llmdispatch/internal/ratelimit/store"
)

var _ Limiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter implements the sliding window rate limiting
// algorithm. A key is admitted when fewer than the limit requests fall
// inside the trailing window; expired timestamps are pruned before
// each admission check.
type SlidingWindowLimiter struct {
	store     store.Store
	limit     int
	window    time.Duration
	precision int // sub-windows for the distributed counter
	logger    observability.Logger
	metrics   Metrics

	windows  sync.Map
	keyCount atomic.Int64

	admitted atomic.Uint64
	denied   atomic.Uint64

	sweepInterval time.Duration
	keyTTL        time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// windowState is the per-key timestamp log.
type windowState struct {
	requests []time.Time
	mu       sync.Mutex
}

// SlidingWindowOption is a functional option for the limiter.
type SlidingWindowOption func(*SlidingWindowLimiter)

// WithSlidingWindowLogger sets the logger.
func WithSlidingWindowLogger(logger observability.Logger) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.logger = logger
	}
}

// WithSlidingWindowMetrics sets the metrics sink.
func WithSlidingWindowMetrics(m Metrics) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.metrics = m
	}
}

// WithSlidingWindowStore sets a distributed backing store.
func WithSlidingWindowStore(s store.Store) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.store = s
	}
}

// WithSlidingWindowPrecision sets the number of sub-windows used for
// the distributed counter approximation.
func WithSlidingWindowPrecision(precision int) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		if precision >= 1 {
			l.precision = precision
		}
	}
}

// WithSlidingWindowTTL overrides the idle-key TTL and sweep interval.
func WithSlidingWindowTTL(keyTTL, sweepInterval time.Duration) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.keyTTL = keyTTL
		l.sweepInterval = sweepInterval
	}
}

// NewSlidingWindowLimiter creates a sliding window limiter admitting
// at most limit requests per trailing window. A background sweep
// evicts idle keys; call Close when done.
func NewSlidingWindowLimiter(limit int, window time.Duration, opts ...SlidingWindowOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		limit:         limit,
		window:        window,
		precision:     10,
		logger:        observability.NopLogger(),
		sweepInterval: config.DefaultSweepInterval,
		keyTTL:        config.DefaultKeyTTL,
		stopSweep:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()

	return l
}

func (l *SlidingWindowLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep(l.keyTTL)
		case <-l.stopSweep:
			return
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (l *SlidingWindowLimiter) Close() error {
	l.sweepOnce.Do(func() {
		close(l.stopSweep)
	})
	return nil
}

// Check implements Limiter.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key string) (*Decision, error) {
	return l.CheckN(ctx, key, 1)
}

// CheckN implements Limiter.
func (l *SlidingWindowLimiter) CheckN(ctx context.Context, key string, n int) (*Decision, error) {
	var (
		d   *Decision
		err error
	)
	if l.store == nil {
		d, err = l.checkLocal(key, n)
	} else {
		d, err = l.checkDistributed(ctx, key, n)
	}
	if err != nil {
		return nil, err
	}

	if d.Allowed {
		l.admitted.Add(uint64(n))
	} else {
		l.denied.Add(1)
	}
	if l.metrics != nil {
		l.metrics.RecordRateLimitCheck(config.AlgorithmSlidingWindow, d.Allowed)
	}
	return d, nil
}

// Consume implements Limiter. The admission is all-or-nothing.
func (l *SlidingWindowLimiter) Consume(ctx context.Context, key string, n int) error {
	d, err := l.CheckN(ctx, key, n)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrInsufficientTokens
	}
	return nil
}

// checkLocal performs the check against in-memory state.
func (l *SlidingWindowLimiter) checkLocal(key string, n int) (*Decision, error) {
	now := time.Now()
	ws := l.getOrCreateWindowState(key)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.pruneExpired(ws, now)

	currentCount := len(ws.requests)
	allowed := currentCount+n <= l.limit
	if allowed {
		for i := 0; i < n; i++ {
			ws.requests = append(ws.requests, now)
		}
		currentCount += n
	}

	remaining := l.limit - currentCount
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.resetAfter(ws, now),
		RetryAfter: l.retryAfter(ws, now, currentCount, n, allowed),
	}, nil
}

func (l *SlidingWindowLimiter) getOrCreateWindowState(key string) *windowState {
	value, loaded := l.windows.LoadOrStore(key, &windowState{
		requests: make([]time.Time, 0),
	})
	if !loaded {
		l.keyCount.Add(1)
		l.publishKeyCount()
	}
	return value.(*windowState)
}

// pruneExpired drops timestamps older than the trailing window. Must
// hold ws.mu.
func (l *SlidingWindowLimiter) pruneExpired(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	valid := make([]time.Time, 0, len(ws.requests))
	for _, t := range ws.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	ws.requests = valid
}

func (l *SlidingWindowLimiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.requests) == 0 {
		return l.window
	}
	resetAfter := ws.requests[0].Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	return resetAfter
}

func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time, currentCount, n int, allowed bool) time.Duration {
	if allowed || len(ws.requests) == 0 {
		return 0
	}

	excess := currentCount + n - l.limit
	if excess <= 0 || excess > len(ws.requests) {
		return 0
	}

	// Admission becomes possible when the excess-th oldest entry
	// slides out of the window.
	retryAfter := ws.requests[excess-1].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

// checkDistributed approximates the sliding window with per-sub-window
// counters in the backing store.
func (l *SlidingWindowLimiter) checkDistributed(ctx context.Context, key string, n int) (*Decision, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	subWindowSize := windowMs / int64(l.precision)
	if subWindowSize <= 0 {
		subWindowSize = 1
	}
	currentSubWindow := nowMs / subWindowSize

	totalCount := int64(0)
	for i := 0; i < l.precision; i++ {
		subWindowKey := key + ":sw:" + strconv.FormatInt(currentSubWindow-int64(i), 10)
		count, err := l.store.Get(ctx, subWindowKey)
		if err != nil && !store.IsKeyNotFound(err) {
			return nil, err
		}
		totalCount += count
	}

	allowed := int(totalCount)+n <= l.limit
	if allowed {
		currentKey := key + ":sw:" + strconv.FormatInt(currentSubWindow, 10)
		expiration := l.window + time.Duration(subWindowSize)*time.Millisecond
		if _, err := l.store.IncrementWithExpiry(ctx, currentKey, int64(n), expiration); err != nil {
			l.logger.Warn("failed to increment counter", observability.Error(err))
		}
		totalCount += int64(n)
	}

	remaining := l.limit - int(totalCount)
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration(subWindowSize) * time.Millisecond
	}

	return &Decision{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.window,
		RetryAfter: retryAfter,
	}, nil
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	if _, loaded := l.windows.LoadAndDelete(key); loaded {
		l.keyCount.Add(-1)
		l.publishKeyCount()
	}

	if l.store != nil {
		nowMs := time.Now().UnixMilli()
		windowMs := l.window.Milliseconds()
		subWindowSize := windowMs / int64(l.precision)
		if subWindowSize <= 0 {
			subWindowSize = 1
		}
		currentSubWindow := nowMs / subWindowSize

		for i := 0; i < l.precision; i++ {
			subWindowKey := key + ":sw:" + strconv.FormatInt(currentSubWindow-int64(i), 10)
			if err := l.store.Delete(ctx, subWindowKey); err != nil {
				l.logger.Warn("failed to delete sub-window", observability.Error(err))
			}
		}
	}

	return nil
}

// Stats implements Limiter.
func (l *SlidingWindowLimiter) Stats() Stats {
	return Stats{
		Algorithm:   config.AlgorithmSlidingWindow,
		TrackedKeys: int(l.keyCount.Load()),
		Admitted:    l.admitted.Load(),
		Denied:      l.denied.Load(),
	}
}

// Sweep implements Limiter: evicts keys whose every timestamp is
// older than maxIdle.
func (l *SlidingWindowLimiter) Sweep(maxIdle time.Duration) int {
	now := time.Now()
	windowStart := now.Add(-maxIdle)
	evicted := 0

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		allOld := true
		for _, t := range ws.requests {
			if t.After(windowStart) {
				allOld = false
				break
			}
		}
		ws.mu.Unlock()

		if allOld {
			if _, loaded := l.windows.LoadAndDelete(key); loaded {
				l.keyCount.Add(-1)
				evicted++
			}
		}
		return true
	})

	if evicted > 0 {
		l.publishKeyCount()
	}
	return evicted
}

func (l *SlidingWindowLimiter) publishKeyCount() {
	if l.metrics != nil {
		l.metrics.SetRateLimitedKeys(int(l.keyCount.Load()))
	}
}
