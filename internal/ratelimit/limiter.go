// Package ratelimit provides per-key admission control for the
// dispatch runtime. It supports token bucket and sliding window
// algorithms over a local in-memory state map or a distributed store.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientTokens is returned by Consume when the key's budget
// cannot cover the requested amount. Nothing is deducted.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// Metrics is the subset of instrumentation the limiters emit.
type Metrics interface {
	RecordRateLimitCheck(algorithm string, allowed bool)
	SetRateLimitedKeys(n int)
}

// Limiter is the interface for admission control. Check never
// blocks; it always returns a decision.
type Limiter interface {
	// Check decides whether a single request is admitted for the key.
	Check(ctx context.Context, key string) (*Decision, error)

	// CheckN decides whether n units are admitted for the key,
	// deducting all of them on admission and none on denial.
	CheckN(ctx context.Context, key string, n int) (*Decision, error)

	// Consume deducts n units or fails with ErrInsufficientTokens
	// without partial deduction.
	Consume(ctx context.Context, key string, n int) error

	// Reset clears the state for the key.
	Reset(ctx context.Context, key string) error

	// Stats returns a read-only snapshot. Safe at any concurrency
	// level; never mutates state.
	Stats() Stats

	// Sweep removes keys idle longer than maxIdle and returns how
	// many were evicted. Idempotent; safe to run concurrently with
	// checks because state is recreated lazily.
	Sweep(maxIdle time.Duration) int

	// Close stops the background sweep goroutine.
	Close() error
}

// Decision is the result of an admission check.
type Decision struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the configured maximum for the key.
	Limit int

	// Remaining is the budget left in the current window or bucket.
	Remaining int

	// RetryAfter is how long to wait before a retry could succeed
	// (zero when allowed).
	RetryAfter time.Duration

	// ResetAfter is the duration until the budget is fully restored.
	ResetAfter time.Duration
}

// Stats is a read-only snapshot of limiter state.
type Stats struct {
	Algorithm   string `json:"algorithm"`
	TrackedKeys int    `json:"trackedKeys"`
	Admitted    uint64 `json:"admitted"`
	Denied      uint64 `json:"denied"`
}
