package ratelimit

import (
	"fmt"
	"math"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/shopspring/decimal"
)

// tokens keep six fraction digits so slow refill rates (0.25/s) never starve
const tokenPrecision = 6

// RetryNever is returned when a denied bucket will not refill on its own.
const RetryNever time.Duration = math.MaxInt64

// Params are the capacity and refill rate handed to a bucket on every call.
type Params struct {
	Capacity   int     `json:"capacity" yaml:"capacity"`
	RefillRate float64 `json:"refill_rate" yaml:"refill_rate"` // tokens per second
}

func (p Params) Validate() error {
	if p.Capacity < 0 {
		return apperror.Configuration(fmt.Sprintf("bucket capacity %d", p.Capacity), apperror.ErrInvalidArgument)
	}
	if p.RefillRate < 0 || math.IsNaN(p.RefillRate) || math.IsInf(p.RefillRate, 0) {
		return apperror.Configuration(fmt.Sprintf("bucket refill rate %v", p.RefillRate), apperror.ErrInvalidArgument)
	}
	return nil
}

// Result describes the outcome of a single Take.
type Result struct {
	Admitted   bool
	RetryAfter time.Duration
	Remaining  float64
}

// State is a point-in-time copy of a bucket.
type State struct {
	Key          string    `json:"key"`
	Tokens       float64   `json:"tokens"`
	Capacity     int       `json:"capacity"`
	RefillRate   float64   `json:"refill_rate"`
	LastRefill   time.Time `json:"last_refill"`
	Limited      bool      `json:"is_limited"`
	LimitedUntil time.Time `json:"limited_until,omitempty"`
	LimitReason  string    `json:"limit_reason,omitempty"`
}

// RetryAfter computes how long until cost tokens would be available.
func (s State) RetryAfter(cost float64, now time.Time) time.Duration {
	if s.Limited && now.Before(s.LimitedUntil) {
		return s.LimitedUntil.Sub(now)
	}
	return retryFor(decimal.NewFromFloat(s.Tokens), cost, Params{Capacity: s.Capacity, RefillRate: s.RefillRate})
}

// TokenBucket is a continuous token bucket. It is not safe for concurrent
// use; stores serialize access per key.
type TokenBucket struct {
	key        string
	tokens     decimal.Decimal
	params     Params
	override   *Params
	lastRefill time.Time

	limited      bool
	limitedUntil time.Time
	limitReason  string
}

// Creates a full bucket
func NewTokenBucket(key string, params Params, now time.Time) *TokenBucket {
	return &TokenBucket{
		key:        key,
		tokens:     decimal.NewFromInt(int64(params.Capacity)),
		params:     params,
		lastRefill: now,
	}
}

func (b *TokenBucket) effective() Params {
	if b.override != nil {
		return *b.override
	}
	return b.params
}

// Adds elapsed × refill rate tokens, clamped to capacity
func (b *TokenBucket) Refill(now time.Time) {
	p := b.effective()
	capacity := decimal.NewFromInt(int64(p.Capacity))

	if now.After(b.lastRefill) {
		if p.RefillRate > 0 {
			elapsed := now.Sub(b.lastRefill).Seconds()
			added := decimal.NewFromFloat(elapsed * p.RefillRate)
			b.tokens = b.tokens.Add(added).Round(tokenPrecision)
		}
		b.lastRefill = now
	}

	if b.tokens.GreaterThan(capacity) {
		b.tokens = capacity
	}
	if b.limited && !now.Before(b.limitedUntil) {
		b.limited = false
		b.limitedUntil = time.Time{}
		b.limitReason = ""
	}
}

// Consumes cost tokens if available, otherwise reports how long to wait.
// Call Refill first.
func (b *TokenBucket) TryConsume(cost float64) (bool, time.Duration) {
	if b.limited && b.lastRefill.Before(b.limitedUntil) {
		return false, b.limitedUntil.Sub(b.lastRefill)
	}

	need := decimal.NewFromFloat(cost)
	if b.tokens.GreaterThanOrEqual(need) && b.effective().Capacity > 0 {
		b.tokens = b.tokens.Sub(need)
		return true, 0
	}
	return false, retryFor(b.tokens, cost, b.effective())
}

// Returns the tokens available as of the last refill
func (b *TokenBucket) PeekAvailable() float64 {
	return b.tokens.InexactFloat64()
}

// Refill and TryConsume as one unit, with invariant checks
func (b *TokenBucket) Take(now time.Time, cost float64) (Result, error) {
	if cost <= 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Result{}, apperror.Configuration(fmt.Sprintf("token cost %v", cost), apperror.ErrInvalidArgument)
	}
	if b.tokens.IsNegative() {
		return Result{}, apperror.Invariant("token_bucket", "bucket %s holds %s tokens before refill", b.key, b.tokens.String())
	}

	b.Refill(now)
	admitted, retryAfter := b.TryConsume(cost)

	if b.tokens.IsNegative() {
		return Result{}, apperror.Invariant("token_bucket", "bucket %s holds %s tokens after consume", b.key, b.tokens.String())
	}
	return Result{Admitted: admitted, RetryAfter: retryAfter, Remaining: b.PeekAvailable()}, nil
}

// Gives back tokens consumed by an admission that was rolled back
func (b *TokenBucket) Refund(cost float64) {
	capacity := decimal.NewFromInt(int64(b.effective().Capacity))
	b.tokens = decimal.Min(b.tokens.Add(decimal.NewFromFloat(cost)), capacity)
}

// Applies new parameters after settling the refill owed under the old ones
func (b *TokenBucket) Reconfigure(params Params, now time.Time) {
	b.Refill(now)
	b.params = params
	b.clampToCapacity()
}

// Pins parameters regardless of what callers pass; nil clears the override
func (b *TokenBucket) SetOverride(params *Params, now time.Time) {
	b.Refill(now)
	b.override = params
	b.clampToCapacity()
}

func (b *TokenBucket) Limit(until time.Time, reason string) {
	b.limited = true
	b.limitedUntil = until
	b.limitReason = reason
}

func (b *TokenBucket) Unlimit() {
	b.limited = false
	b.limitedUntil = time.Time{}
	b.limitReason = ""
}

// Refills to capacity and clears any limit
func (b *TokenBucket) Reset(now time.Time) {
	b.tokens = decimal.NewFromInt(int64(b.effective().Capacity))
	b.lastRefill = now
	b.Unlimit()
}

func (b *TokenBucket) Params() Params {
	return b.effective()
}

func (b *TokenBucket) State() State {
	p := b.effective()
	return State{
		Key:          b.key,
		Tokens:       b.PeekAvailable(),
		Capacity:     p.Capacity,
		RefillRate:   p.RefillRate,
		LastRefill:   b.lastRefill,
		Limited:      b.limited,
		LimitedUntil: b.limitedUntil,
		LimitReason:  b.limitReason,
	}
}

func (b *TokenBucket) clampToCapacity() {
	capacity := decimal.NewFromInt(int64(b.effective().Capacity))
	if b.tokens.GreaterThan(capacity) {
		b.tokens = capacity
	}
}

func retryFor(tokens decimal.Decimal, cost float64, p Params) time.Duration {
	if p.Capacity <= 0 || cost > float64(p.Capacity) || p.RefillRate <= 0 {
		return RetryNever
	}
	deficit := decimal.NewFromFloat(cost).Sub(tokens).InexactFloat64()
	if deficit <= 0 {
		return 0
	}
	seconds := deficit / p.RefillRate
	return time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
}
