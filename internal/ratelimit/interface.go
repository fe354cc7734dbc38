package ratelimit

import (
	"context"
	"time"
)

// Store keeps one token bucket per scope key. Implementations must make
// Take and Refund atomic per key.
type Store interface {
	// Refills then consumes cost tokens from the bucket at key
	Take(ctx context.Context, key string, params Params, cost float64, now time.Time) (Result, error)

	// Returns tokens taken by an earlier Take
	Refund(ctx context.Context, key string, params Params, cost float64, now time.Time) error

	// Refills and reports the bucket without consuming
	Peek(ctx context.Context, key string, params Params, now time.Time) (State, error)

	// Marks the bucket limited until the given time
	Limit(ctx context.Context, key string, params Params, until time.Time, reason string, now time.Time) error

	// Refills the bucket to capacity and clears any limit
	Reset(ctx context.Context, key string, params Params, now time.Time) error
}

// Counter counts events in fixed calendar windows (hour, day).
type Counter interface {
	Add(ctx context.Context, key string, period Period, delta int64, now time.Time) (int64, error)

	Get(ctx context.Context, key string, period Period, now time.Time) (int64, error)
}
