package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ConcurrentTakeAdmitsExactlyCapacity(t *testing.T) {
	store := NewMemoryStore()
	params := Params{Capacity: 25, RefillRate: 0}

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Take(context.Background(), "sender:hot", params, 1, epoch)
			if err == nil && res.Admitted {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted)
}

func TestMemoryStore_PeekAfterIdle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	params := Params{Capacity: 30, RefillRate: 0.5}

	for i := 0; i < 30; i++ {
		res, err := store.Take(ctx, "sender:1", params, 1, epoch)
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	state, err := store.Peek(ctx, "sender:1", params, epoch.Add(60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 30.0, state.Tokens)
}

func TestMemoryStore_RefundRestoresTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	params := Params{Capacity: 3, RefillRate: 0}

	_, err := store.Take(ctx, "klien:1", params, 2, epoch)
	require.NoError(t, err)
	require.NoError(t, store.Refund(ctx, "klien:1", params, 2, epoch))

	state, err := store.Peek(ctx, "klien:1", params, epoch)
	require.NoError(t, err)
	assert.Equal(t, 3.0, state.Tokens)
}

func TestMemoryStore_ParamsChangeReconfigures(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Take(ctx, "sender:1", Params{Capacity: 10, RefillRate: 1}, 1, epoch)
	require.NoError(t, err)

	state, err := store.Peek(ctx, "sender:1", Params{Capacity: 0, RefillRate: 0}, epoch)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Tokens)
	assert.Equal(t, 0, state.Capacity)
}

func TestMemoryStore_LimitAndReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	params := Params{Capacity: 5, RefillRate: 1}

	require.NoError(t, store.Limit(ctx, "klien:1", params, epoch.Add(time.Minute), "paused", epoch))
	res, err := store.Take(ctx, "klien:1", params, 1, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 59*time.Second, res.RetryAfter)

	require.NoError(t, store.Reset(ctx, "klien:1", params, epoch.Add(2*time.Second)))
	res, err = store.Take(ctx, "klien:1", params, 1, epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_InvalidParams(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Take(context.Background(), "sender:1", Params{Capacity: -5}, 1, epoch)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
