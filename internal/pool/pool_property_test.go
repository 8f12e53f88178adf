package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/dispatchcore/llmdispatch/internal/config"
)

// TestPool_SlotAccountingProperty drives a pool through random
// acquire/release/cleanup sequences and checks after every step that no
// backend ever holds more slots than its limit and that free and
// checked-out sets never overlap.
func TestPool_SlotAccountingProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		maxSlots := rapid.IntRange(1, 4).Draw(t, "max")
		cfg := config.PoolConfig{
			MaxPerBackend:   maxSlots,
			IdleTTL:         config.Duration(time.Hour),
			AcquirePolicy:   config.AcquirePolicyFail,
			AcquireTimeout:  config.Duration(time.Millisecond),
			CleanupInterval: config.Duration(time.Hour),
		}
		p := New(cfg)
		defer func() { _ = p.Close() }()

		backends := []string{"a", "b"}
		held := map[string][]*Slot{}
		ctx := context.Background()

		checkInvariants := func() {
			stats := p.Stats()
			for id, bs := range stats {
				if bs.Free < 0 || bs.InUse < 0 {
					t.Fatalf("backend %s: negative counts %+v", id, bs)
				}
				if bs.Free+bs.InUse > bs.Max {
					t.Fatalf("backend %s: %d slots exceed max %d", id, bs.Free+bs.InUse, bs.Max)
				}
				if bs.InUse != len(held[id]) {
					t.Fatalf("backend %s: pool reports %d in use, test holds %d", id, bs.InUse, len(held[id]))
				}
			}
		}

		t.Repeat(map[string]func(*rapid.T){
			"acquire": func(t *rapid.T) {
				backend := rapid.SampledFrom(backends).Draw(t, "backend")
				slot, err := p.Acquire(ctx, backend)
				if err != nil {
					if !errors.Is(err, ErrPoolExhausted) {
						t.Fatalf("unexpected acquire error: %v", err)
					}
					if len(held[backend]) < maxSlots {
						t.Fatalf("backend %s exhausted with only %d of %d held", backend, len(held[backend]), maxSlots)
					}
					return
				}
				held[backend] = append(held[backend], slot)
				checkInvariants()
			},
			"release": func(t *rapid.T) {
				backend := rapid.SampledFrom(backends).Draw(t, "backend")
				slots := held[backend]
				if len(slots) == 0 {
					return
				}
				i := rapid.IntRange(0, len(slots)-1).Draw(t, "slot")
				slot := slots[i]
				held[backend] = append(slots[:i], slots[i+1:]...)
				if err := p.Release(slot); err != nil {
					t.Fatalf("release: %v", err)
				}
				checkInvariants()
			},
			"releaseUnhealthy": func(t *rapid.T) {
				backend := rapid.SampledFrom(backends).Draw(t, "backend")
				slots := held[backend]
				if len(slots) == 0 {
					return
				}
				slot := slots[len(slots)-1]
				held[backend] = slots[:len(slots)-1]
				slot.MarkUnhealthy()
				if err := p.Release(slot); err != nil {
					t.Fatalf("release unhealthy: %v", err)
				}
				checkInvariants()
			},
			"doubleRelease": func(t *rapid.T) {
				backend := rapid.SampledFrom(backends).Draw(t, "backend")
				slots := held[backend]
				if len(slots) == 0 {
					return
				}
				slot := slots[len(slots)-1]
				held[backend] = slots[:len(slots)-1]
				if err := p.Release(slot); err != nil {
					t.Fatalf("release: %v", err)
				}
				if err := p.Release(slot); !errors.Is(err, ErrSlotNotCheckedOut) {
					t.Fatalf("double release: got %v", err)
				}
				checkInvariants()
			},
			"cleanup": func(t *rapid.T) {
				p.CleanupExpired()
				checkInvariants()
			},
			"": func(t *rapid.T) {
				checkInvariants()
			},
		})
	})
}
