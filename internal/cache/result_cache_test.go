package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache_GetPut(t *testing.T) {
	c := New[int](Options{MaxEntries: 8, Shards: 2})

	_, ok := c.Get("t1", "k")
	assert.False(t, ok)

	c.Put("t1", "k", 42)
	v, ok := c.Get("t1", "k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("t2", "k")
	assert.False(t, ok, "an entry is only served for its own snapshot")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string](Options{MaxEntries: 2, Shards: 1})

	c.Put("t", "a", "A")
	c.Put("t", "b", "B")
	_, _ = c.Get("t", "a")
	c.Put("t", "c", "C")

	_, ok := c.Get("t", "b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("t", "a")
	assert.True(t, ok)
	_, ok = c.Get("t", "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestResultCache_TTL(t *testing.T) {
	c := New[int](Options{MaxEntries: 4, Shards: 1, TTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("t", "k", 1)
	_, ok := c.Get("t", "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("t", "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestResultCache_GetOrComputeSingleComputation(t *testing.T) {
	c := New[int](Options{MaxEntries: 16, Shards: 4})

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "t", "k", fn)
		}(i)
	}

	// give every caller time to join the flight
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 7, results[i])
	}

	v, cached, err := c.GetOrCompute(context.Background(), "t", "k", fn)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResultCache_ErrorsNotCached(t *testing.T) {
	c := New[int](Options{MaxEntries: 4, Shards: 1})
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), "t", "k", func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, cached, err := c.GetOrCompute(context.Background(), "t", "k", func(context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 3, v)
}

func TestResultCache_CallerTimeoutDoesNotCancelComputation(t *testing.T) {
	c := New[int](Options{MaxEntries: 4, Shards: 1})

	done := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 9, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, _, err := c.GetOrCompute(ctx, "t", "k", fn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-done
	require.Eventually(t, func() bool {
		v, ok := c.Get("t", "k")
		return ok && v == 9
	}, time.Second, 5*time.Millisecond)
}

func TestResultCache_PurgeSnapshotsBefore(t *testing.T) {
	c := New[int](Options{MaxEntries: 64, Shards: 4})
	for i := 0; i < 10; i++ {
		c.Put("20240101_000000", fmt.Sprintf("k%d", i), i)
		c.Put("20240201_000000", fmt.Sprintf("k%d", i), i)
	}

	removed := c.PurgeSnapshotsBefore("20240201_000000")
	assert.Equal(t, 10, removed)
	assert.Equal(t, 10, c.Len())

	_, ok := c.Get("20240201_000000", "k3")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
