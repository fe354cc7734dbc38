package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_TakeAndRetry(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "test", nil)
	ctx := context.Background()
	params := Params{Capacity: 2, RefillRate: 0.5}

	for i := 0; i < 2; i++ {
		res, err := store.Take(ctx, "sender:1", params, 1, epoch)
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	res, err := store.Take(ctx, "sender:1", params, 1, epoch)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 2*time.Second, res.RetryAfter)

	res, err = store.Take(ctx, "sender:1", params, 1, epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestRedisStore_PeekClampsAfterIdle(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "", nil)
	ctx := context.Background()
	params := Params{Capacity: 30, RefillRate: 0.5}

	for i := 0; i < 30; i++ {
		_, err := store.Take(ctx, "sender:1", params, 1, epoch)
		require.NoError(t, err)
	}

	state, err := store.Peek(ctx, "sender:1", params, epoch.Add(60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 30.0, state.Tokens)
}

func TestRedisStore_HardCapAndZeroCapacity(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "", nil)
	ctx := context.Background()

	res, err := store.Take(ctx, "campaign:1", Params{Capacity: 1, RefillRate: 0}, 1, epoch)
	require.NoError(t, err)
	require.True(t, res.Admitted)
	assert.Equal(t, time.Duration(0), mr.TTL("bucket:campaign:1"))

	res, err = store.Take(ctx, "campaign:1", Params{Capacity: 1, RefillRate: 0}, 1, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, RetryNever, res.RetryAfter)

	res, err = store.Take(ctx, "sender:gone", Params{Capacity: 0, RefillRate: 1}, 1, epoch)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, RetryNever, res.RetryAfter)
}

func TestRedisStore_RefundLimitReset(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "", nil)
	ctx := context.Background()
	params := Params{Capacity: 4, RefillRate: 1}

	_, err := store.Take(ctx, "klien:1", params, 3, epoch)
	require.NoError(t, err)
	require.NoError(t, store.Refund(ctx, "klien:1", params, 3, epoch))

	state, err := store.Peek(ctx, "klien:1", params, epoch)
	require.NoError(t, err)
	assert.Equal(t, 4.0, state.Tokens)

	require.NoError(t, store.Limit(ctx, "klien:1", params, epoch.Add(time.Minute), "paused", epoch))
	res, err := store.Take(ctx, "klien:1", params, 1, epoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	state, err = store.Peek(ctx, "klien:1", params, epoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, state.Limited)
	assert.Equal(t, "paused", state.LimitReason)

	require.NoError(t, store.Reset(ctx, "klien:1", params, epoch.Add(11*time.Second)))
	res, err = store.Take(ctx, "klien:1", params, 1, epoch.Add(11*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestRedisStore_ConcurrentTakeAdmitsExactlyCapacity(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "", nil)
	params := Params{Capacity: 10, RefillRate: 0}

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
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

	assert.Equal(t, int64(10), admitted)
}

func TestRedisStore_UnavailableIsStale(t *testing.T) {
	mr, client := newTestRedis(t)
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2, Timeout: time.Minute})
	store := NewRedisStore(client, "", breaker)
	mr.Close()

	params := Params{Capacity: 5, RefillRate: 1}
	for i := 0; i < 3; i++ {
		_, err := store.Take(context.Background(), "sender:1", params, 1, epoch)
		require.Error(t, err)
		assert.True(t, apperror.IsStale(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestRedisCounter_AddGet(t *testing.T) {
	_, client := newTestRedis(t)
	counter := NewRedisCounter(client, "test", nil)
	ctx := context.Background()
	hour := Hourly(time.UTC)

	n, err := counter.Get(ctx, "sender:1", hour, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = counter.Add(ctx, "sender:1", hour, 3, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = counter.Add(ctx, "sender:1", hour, -5, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = counter.Add(ctx, "sender:1", hour, 1, epoch.Add(time.Hour))
	require.NoError(t, err)
	n, err = counter.Get(ctx, "sender:1", hour, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
