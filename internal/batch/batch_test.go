package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idList(n int) ListFunc[snowflake.ID] {
	return func(_ context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
		var out []snowflake.ID
		for id := afterID + 1; id <= snowflake.ID(n) && len(out) < limit; id++ {
			out = append(out, id)
		}
		return out, nil
	}
}

func identity(id snowflake.ID) snowflake.ID { return id }

func TestForEachVisitsEveryItemOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[snowflake.ID]int{}

	_, err := ForEach(context.Background(), Options{PageSize: 7, Concurrency: 3}, idList(25), identity, func(_ context.Context, id snowflake.ID) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, seen, 25)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %d", id)
	}
}

func TestForEachCapsPageSize(t *testing.T) {
	var limits []int
	list := func(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
		limits = append(limits, limit)
		return idList(150)(ctx, afterID, limit)
	}
	truncated, err := ForEach(context.Background(), Options{PageSize: 1000}, list, identity, func(context.Context, snowflake.ID) {})
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []int{MaxPageSize, MaxPageSize}, limits)
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	_, err := ForEach(context.Background(), Options{PageSize: 20, Concurrency: 2}, idList(20), identity, func(context.Context, snowflake.ID) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestForEachAppliesItemTimeout(t *testing.T) {
	var timedOut atomic.Int32
	_, err := ForEach(context.Background(), Options{ItemTimeout: 5 * time.Millisecond}, idList(2), identity, func(ctx context.Context, _ snowflake.ID) {
		<-ctx.Done()
		timedOut.Add(1)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, timedOut.Load())
}

func TestForEachStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ForEach(ctx, Options{}, idList(3), identity, func(context.Context, snowflake.ID) {
		t.Fatal("must not run")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestForEachStopsPagingAfterRunBudget(t *testing.T) {
	var visited atomic.Int32
	truncated, err := ForEach(context.Background(), Options{PageSize: 2, RunBudget: time.Millisecond}, idList(10), identity, func(context.Context, snowflake.ID) {
		time.Sleep(5 * time.Millisecond)
		visited.Add(1)
	})
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.EqualValues(t, 2, visited.Load())

	// The next run starts over and finishes the rest within its own budget.
	visited.Store(0)
	truncated, err = ForEach(context.Background(), Options{PageSize: 2, RunBudget: time.Minute}, idList(10), identity, func(context.Context, snowflake.ID) {
		visited.Add(1)
	})
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.EqualValues(t, 10, visited.Load())
}
