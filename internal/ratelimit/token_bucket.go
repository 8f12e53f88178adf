package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchcore/llmdispatch/internal/config"
	"github.com/dispatchcore/llmdispatch/internal/observability"
	"github.com/dispatchcore/llmdispatch/internal/ratelimit/store"
)

var _ Limiter = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter implements the token bucket algorithm. Tokens
// refill at a fixed rate up to the burst capacity; each admitted unit
// deducts one token. Refill and deduction are computed under one
// timestamp read inside the key's critical section so concurrent
// checks on the same key serialize correctly.
type TokenBucketLimiter struct {
	store   store.Store
	rate    float64 // tokens per second
	burst   int     // bucket capacity
	logger  observability.Logger
	metrics Metrics

	// Per-key buckets for local rate limiting; unrelated keys never
	// contend.
	buckets  sync.Map
	keyCount atomic.Int64

	admitted atomic.Uint64
	denied   atomic.Uint64

	sweepInterval time.Duration
	keyTTL        time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// bucket is the state for a single key.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// TokenBucketOption is a functional option for the limiter.
type TokenBucketOption func(*TokenBucketLimiter)

// WithTokenBucketLogger sets the logger.
func WithTokenBucketLogger(logger observability.Logger) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.logger = logger
	}
}

// WithTokenBucketMetrics sets the metrics sink.
func WithTokenBucketMetrics(m Metrics) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.metrics = m
	}
}

// WithTokenBucketStore sets a distributed backing store.
func WithTokenBucketStore(s store.Store) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.store = s
	}
}

// WithTokenBucketTTL overrides the idle-key TTL and sweep interval.
func WithTokenBucketTTL(keyTTL, sweepInterval time.Duration) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.keyTTL = keyTTL
		l.sweepInterval = sweepInterval
	}
}

// NewTokenBucketLimiter creates a token bucket limiter refilling at
// rate tokens per second with the given burst capacity. A background
// sweep evicts idle keys; call Close when done.
func NewTokenBucketLimiter(rate float64, burst int, opts ...TokenBucketOption) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		rate:          rate,
		burst:         burst,
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

// sweepLoop periodically evicts idle keys.
func (l *TokenBucketLimiter) sweepLoop() {
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
func (l *TokenBucketLimiter) Close() error {
	l.sweepOnce.Do(func() {
		close(l.stopSweep)
	})
	return nil
}

// Check implements Limiter.
func (l *TokenBucketLimiter) Check(ctx context.Context, key string) (*Decision, error) {
	return l.CheckN(ctx, key, 1)
}

// CheckN implements Limiter.
func (l *TokenBucketLimiter) CheckN(ctx context.Context, key string, n int) (*Decision, error) {
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
		l.metrics.RecordRateLimitCheck(config.AlgorithmTokenBucket, d.Allowed)
	}
	return d, nil
}

// Consume implements Limiter. The deduction is all-or-nothing.
func (l *TokenBucketLimiter) Consume(ctx context.Context, key string, n int) error {
	d, err := l.CheckN(ctx, key, n)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrInsufficientTokens
	}
	return nil
}

// checkLocal performs the check against in-memory state. Unseen keys
// are created lazily at full capacity.
func (l *TokenBucketLimiter) checkLocal(key string, n int) (*Decision, error) {
	now := time.Now()

	value, loaded := l.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(l.burst),
		lastUpdate: now,
	})
	if !loaded {
		l.keyCount.Add(1)
		l.publishKeyCount()
	}
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Refill and deduct with the same timestamp read. The timestamp
	// was taken before the lock, so a check that lost the lock race
	// can see an earlier now than lastUpdate; it must not refill
	// negatively or rewind lastUpdate.
	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > float64(l.burst) {
			b.tokens = float64(l.burst)
		}
		b.lastUpdate = now
	}

	allowed := b.tokens >= float64(n)
	if allowed {
		b.tokens -= float64(n)
	}

	return l.decision(b.tokens, n, allowed), nil
}

// decision builds a Decision from the post-check token count.
func (l *TokenBucketLimiter) decision(tokens float64, n int, allowed bool) *Decision {
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := time.Duration((float64(l.burst) - tokens) / l.rate * float64(time.Second))

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration((float64(n) - tokens) / l.rate * float64(time.Second))
	}

	return &Decision{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  remaining,
		RetryAfter: retryAfter,
		ResetAfter: resetAfter,
	}
}

// checkDistributed performs the check against the backing store,
// storing tokens in millitoken units for precision.
func (l *TokenBucketLimiter) checkDistributed(ctx context.Context, key string, n int) (*Decision, error) {
	now := time.Now()
	nowMs := now.UnixMilli()

	stateKey := "tb:" + key
	tokens := float64(l.burst)
	lastUpdate := nowMs

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	currentTokens, err := l.store.Get(ctx, stateKey+":tokens")
	if err == nil {
		tokens = float64(currentTokens) / 1000.0
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	lastUpdateVal, err := l.store.Get(ctx, stateKey+":time")
	if err == nil {
		lastUpdate = lastUpdateVal
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	if elapsed := float64(nowMs-lastUpdate) / 1000.0; elapsed > 0 {
		tokens += elapsed * l.rate
		if tokens > float64(l.burst) {
			tokens = float64(l.burst)
		}
	}

	allowed := tokens >= float64(n)
	if allowed {
		tokens -= float64(n)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Never rewind the stored refill time.
	refillMs := nowMs
	if lastUpdate > refillMs {
		refillMs = lastUpdate
	}

	expiration := time.Duration(float64(l.burst)/l.rate+1) * time.Second
	if err := l.store.Set(ctx, stateKey+":tokens", int64(tokens*1000), expiration); err != nil {
		l.logger.Warn("failed to store tokens", observability.Error(err))
	}
	if err := l.store.Set(ctx, stateKey+":time", refillMs, expiration); err != nil {
		l.logger.Warn("failed to store refill time", observability.Error(err))
	}

	return l.decision(tokens, n, allowed), nil
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	if _, loaded := l.buckets.LoadAndDelete(key); loaded {
		l.keyCount.Add(-1)
		l.publishKeyCount()
	}

	if l.store != nil {
		stateKey := "tb:" + key
		if err := l.store.Delete(ctx, stateKey+":tokens"); err != nil {
			return err
		}
		if err := l.store.Delete(ctx, stateKey+":time"); err != nil {
			return err
		}
	}

	return nil
}

// Stats implements Limiter.
func (l *TokenBucketLimiter) Stats() Stats {
	return Stats{
		Algorithm:   config.AlgorithmTokenBucket,
		TrackedKeys: int(l.keyCount.Load()),
		Admitted:    l.admitted.Load(),
		Denied:      l.denied.Load(),
	}
}

// Sweep implements Limiter: evicts buckets idle longer than maxIdle.
func (l *TokenBucketLimiter) Sweep(maxIdle time.Duration) int {
	now := time.Now()
	evicted := 0

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := now.Sub(b.lastUpdate) > maxIdle
		b.mu.Unlock()
		if idle {
			if _, loaded := l.buckets.LoadAndDelete(key); loaded {
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

func (l *TokenBucketLimiter) publishKeyCount() {
	if l.metrics != nil {
		l.metrics.SetRateLimitedKeys(int(l.keyCount.Load()))
	}
}
