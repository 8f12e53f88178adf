package pool

import (
	"time"

	"github.com/google/uuid"
)

// Slot is a reservation of one connection to a backend. A slot is
// either idle in its backend's free list or checked out by exactly
// one caller; it is never in both places.
type Slot struct {
	id        string
	backendID string
	createdAt time.Time
	lastUsed  time.Time
	unhealthy bool
}

func newSlot(backendID string, now time.Time) *Slot {
	return &Slot{
		id:        uuid.NewString(),
		backendID: backendID,
		createdAt: now,
		lastUsed:  now,
	}
}

// ID returns the slot's unique identifier.
func (s *Slot) ID() string {
	return s.id
}

// BackendID returns the backend this slot belongs to.
func (s *Slot) BackendID() string {
	return s.backendID
}

// CreatedAt returns when the slot was created.
func (s *Slot) CreatedAt() time.Time {
	return s.createdAt
}

// LastUsed returns when the slot was last returned to the pool, or
// its creation time if it has never been released.
func (s *Slot) LastUsed() time.Time {
	return s.lastUsed
}

// MarkUnhealthy flags the slot so the pool destroys it on release
// instead of returning it to the free list. The flag has no effect
// until Release.
func (s *Slot) MarkUnhealthy() {
	s.unhealthy = true
}

// Unhealthy reports whether the slot has been flagged for disposal.
func (s *Slot) Unhealthy() bool {
	return s.unhealthy
}
