package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 42, 0))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_ExpiredKeyIsMissing(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Increment(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	v, err := s.Increment(ctx, "k", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = s.Increment(ctx, "k", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestMemoryStore_IncrementWithExpiry_ResetsOnExpiry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	v, err := s.IncrementWithExpiry(ctx, "k", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	time.Sleep(20 * time.Millisecond)

	// The expired counter restarts at the delta rather than continuing.
	v, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	const workers = 10
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), v)
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, 0))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_CleanupRemovesExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStoreWithCleanupInterval(10 * time.Millisecond)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", 1, 5*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", 2, time.Hour))

	assert.Eventually(t, func() bool {
		return s.Size() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Set(ctx, "k", 1, 0), context.Canceled)
	_, err = s.Increment(ctx, "k", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
