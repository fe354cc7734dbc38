package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 10, RefillRate: 1}, epoch)
	assert.Equal(t, 10.0, b.PeekAvailable())
}

func TestTokenBucket_RefillClampsToCapacity(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 30, RefillRate: 0.5}, epoch)
	for i := 0; i < 30; i++ {
		ok, _ := b.TryConsume(1)
		require.True(t, ok)
	}
	assert.Equal(t, 0.0, b.PeekAvailable())

	b.Refill(epoch.Add(60 * time.Second))
	assert.Equal(t, 30.0, b.PeekAvailable())

	b.Refill(epoch.Add(10 * time.Minute))
	assert.Equal(t, 30.0, b.PeekAvailable())
}

func TestTokenBucket_SlowRefillDoesNotStarve(t *testing.T) {
	b := NewTokenBucket("klien:1", Params{Capacity: 1, RefillRate: 0.25}, epoch)
	ok, _ := b.TryConsume(1)
	require.True(t, ok)

	now := epoch
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		b.Refill(now)
	}
	ok, _ = b.TryConsume(1)
	assert.True(t, ok)
}

func TestTokenBucket_RetryAfter(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 2, RefillRate: 0.5}, epoch)
	res, err := b.Take(epoch, 2)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res, err = b.Take(epoch, 1)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 2*time.Second, res.RetryAfter)

	res, err = b.Take(epoch.Add(1500*time.Millisecond), 1)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	res, err = b.Take(epoch.Add(2*time.Second), 1)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestTokenBucket_HardCapNeverRefills(t *testing.T) {
	b := NewTokenBucket("campaign:1", Params{Capacity: 1, RefillRate: 0}, epoch)
	res, err := b.Take(epoch, 1)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res, err = b.Take(epoch.Add(24*time.Hour), 1)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, RetryNever, res.RetryAfter)

	b.Reset(epoch.Add(25 * time.Hour))
	res, err = b.Take(epoch.Add(25*time.Hour), 1)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestTokenBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	b := NewTokenBucket("sender:x", Params{Capacity: 0, RefillRate: 5}, epoch)
	res, err := b.Take(epoch.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, RetryNever, res.RetryAfter)
}

func TestTokenBucket_LimitedDeniesUntilExpiry(t *testing.T) {
	b := NewTokenBucket("klien:1", Params{Capacity: 5, RefillRate: 1}, epoch)
	b.Limit(epoch.Add(time.Minute), "abuse")

	res, err := b.Take(epoch.Add(20*time.Second), 1)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 40*time.Second, res.RetryAfter)
	assert.Equal(t, "abuse", b.State().LimitReason)

	res, err = b.Take(epoch.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.False(t, b.State().Limited)
}

func TestTokenBucket_ClockBackwardsIsIgnored(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 5, RefillRate: 1}, epoch)
	_, err := b.Take(epoch, 5)
	require.NoError(t, err)

	b.Refill(epoch.Add(-time.Minute))
	assert.Equal(t, 0.0, b.PeekAvailable())
	assert.Equal(t, epoch, b.State().LastRefill)
}

func TestTokenBucket_InvalidCost(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 5, RefillRate: 1}, epoch)
	_, err := b.Take(epoch, 0)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestTokenBucket_RefundAndReconfigure(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 10, RefillRate: 1}, epoch)
	_, err := b.Take(epoch, 4)
	require.NoError(t, err)

	b.Refund(10)
	assert.Equal(t, 10.0, b.PeekAvailable())

	b.Reconfigure(Params{Capacity: 3, RefillRate: 1}, epoch)
	assert.Equal(t, 3.0, b.PeekAvailable())
	assert.Equal(t, 3, b.Params().Capacity)
}

func TestTokenBucket_OverrideWinsOverParams(t *testing.T) {
	b := NewTokenBucket("sender:1", Params{Capacity: 10, RefillRate: 1}, epoch)
	b.SetOverride(&Params{Capacity: 2, RefillRate: 0}, epoch)
	assert.Equal(t, 2, b.Params().Capacity)
	assert.Equal(t, 2.0, b.PeekAvailable())

	b.SetOverride(nil, epoch)
	assert.Equal(t, 10, b.Params().Capacity)
}

func TestTokenBucket_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewTokenBucket("sender:1", Params{Capacity: 7, RefillRate: 0.75}, epoch)

	now := epoch
	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
		cost := float64(1 + rng.Intn(3))
		_, err := b.Take(now, cost)
		require.NoError(t, err)

		tokens := b.PeekAvailable()
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, 7.0)
	}
}

func TestState_RetryAfter(t *testing.T) {
	s := State{Tokens: 0.5, Capacity: 5, RefillRate: 0.5}
	assert.Equal(t, time.Second, s.RetryAfter(1, epoch))

	s.Limited = true
	s.LimitedUntil = epoch.Add(time.Hour)
	assert.Equal(t, time.Hour, s.RetryAfter(1, epoch))
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, Params{Capacity: 0, RefillRate: 0}.Validate())
	assert.True(t, apperror.IsConfiguration(Params{Capacity: -1}.Validate()))
	assert.True(t, apperror.IsConfiguration(Params{Capacity: 1, RefillRate: -2}.Validate()))
}
