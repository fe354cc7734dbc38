package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// extra lifetime of a bucket key after it would be full again
const redisIdleGraceMs = 60 * 60 * 1000

// bucketScript refills and then takes, refunds or peeks in one round trip.
// ARGV: capacity, rate, cost, now_ms, mode, idle_grace_ms
// returns: {admitted|-1 on invariant, tokens, retry_ms|-1 never, reason, limited_until_ms}
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local mode = ARGV[5]
local grace = tonumber(ARGV[6])

local state = redis.call("HMGET", key, "t", "ts", "lu", "lr")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
local limitedUntil = tonumber(state[3]) or 0
local reason = state[4] or ""

if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
if tokens < 0 then
  return {-1, string.format("%.6f", tokens), 0, reason, limitedUntil}
end

if now > last then
  if rate > 0 then
    tokens = tokens + ((now - last) / 1000.0) * rate
  end
  last = now
end
if tokens > capacity then
  tokens = capacity
end
if limitedUntil > 0 and limitedUntil <= now then
  limitedUntil = 0
  reason = ""
  redis.call("HDEL", key, "lu", "lr")
end

local admitted = 0
local retry = 0
if mode == "refund" then
  tokens = math.min(capacity, tokens + cost)
elseif mode == "take" then
  if limitedUntil > now then
    retry = limitedUntil - now
  elseif capacity <= 0 or cost > capacity then
    retry = -1
  elseif tokens >= cost then
    tokens = tokens - cost
    admitted = 1
  elseif rate <= 0 then
    retry = -1
  else
    retry = math.ceil(((cost - tokens) / rate) * 1000)
  end
end

tokens = math.floor(tokens * 1000000 + 0.5) / 1000000
local encoded = string.format("%.6f", tokens)
redis.call("HSET", key, "t", encoded, "ts", string.format("%.0f", last))

if limitedUntil > now or rate <= 0 then
  redis.call("PERSIST", key)
else
  local toFull = math.ceil(((capacity - tokens) / rate) * 1000)
  redis.call("PEXPIRE", key, toFull + grace)
end

return {admitted, encoded, retry, reason, limitedUntil}
`)

// limitScript marks a bucket limited; ARGV: capacity, now_ms, until_ms, reason
var limitScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("HEXISTS", key, "t") == 0 then
  redis.call("HSET", key, "t", string.format("%.6f", tonumber(ARGV[1])), "ts", ARGV[2])
end
redis.call("HSET", key, "lu", ARGV[3], "lr", ARGV[4])
redis.call("PERSIST", key)
return 1
`)

// RedisStore shares buckets across instances. All bucket arithmetic happens
// inside Lua scripts so refill+consume is atomic per key.
type RedisStore struct {
	client  redis.Scripter
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
}

func NewRedisStore(client redis.Scripter, prefix string, breaker *circuitbreaker.CircuitBreaker) *RedisStore {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "bucket-store"})
	}
	return &RedisStore{
		client:  client,
		prefix:  strings.TrimSpace(prefix),
		breaker: breaker,
	}
}

func (s *RedisStore) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return "bucket:" + key
	}
	return s.prefix + ":bucket:" + key
}

type scriptReply struct {
	admitted     int64
	tokens       float64
	retryMs      int64
	reason       string
	limitedUntil int64
}

func (s *RedisStore) run(ctx context.Context, key string, params Params, cost float64, now time.Time, mode string) (scriptReply, error) {
	if err := params.Validate(); err != nil {
		return scriptReply{}, err
	}

	var raw interface{}
	errCall := s.breaker.Call(func() error {
		var errRun error
		raw, errRun = bucketScript.Run(ctx, s.client, []string{s.buildKey(key)},
			params.Capacity,
			strconv.FormatFloat(params.RefillRate, 'f', -1, 64),
			strconv.FormatFloat(cost, 'f', -1, 64),
			now.UnixMilli(),
			mode,
			redisIdleGraceMs,
		).Result()
		return errRun
	})
	if errCall != nil {
		return scriptReply{}, apperror.Stale("redis bucket store", key, errCall)
	}

	reply, errParse := parseScriptReply(raw)
	if errParse != nil {
		return scriptReply{}, apperror.Stale("redis bucket store", key, errParse)
	}
	if reply.admitted < 0 {
		return scriptReply{}, apperror.Invariant("redis_bucket", "bucket %s holds %v tokens", key, reply.tokens)
	}
	return reply, nil
}

func parseScriptReply(raw interface{}) (scriptReply, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 5 {
		return scriptReply{}, errors.New("unexpected bucket script reply")
	}
	admitted, okAdmitted := values[0].(int64)
	tokensRaw, okTokens := values[1].(string)
	retryMs, okRetry := values[2].(int64)
	reason, okReason := values[3].(string)
	limitedUntil, okLimited := values[4].(int64)
	if !okAdmitted || !okTokens || !okRetry || !okReason || !okLimited {
		return scriptReply{}, fmt.Errorf("unexpected bucket script reply types: %T %T %T %T %T", values[0], values[1], values[2], values[3], values[4])
	}
	tokens, errParse := strconv.ParseFloat(tokensRaw, 64)
	if errParse != nil {
		return scriptReply{}, fmt.Errorf("parse tokens %q: %w", tokensRaw, errParse)
	}
	return scriptReply{admitted: admitted, tokens: tokens, retryMs: retryMs, reason: reason, limitedUntil: limitedUntil}, nil
}

func (s *RedisStore) Take(ctx context.Context, key string, params Params, cost float64, now time.Time) (Result, error) {
	if cost <= 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Result{}, apperror.Configuration(fmt.Sprintf("token cost %v", cost), apperror.ErrInvalidArgument)
	}
	reply, err := s.run(ctx, key, params, cost, now, "take")
	if err != nil {
		return Result{}, err
	}

	retry := time.Duration(reply.retryMs) * time.Millisecond
	if reply.retryMs < 0 {
		retry = RetryNever
	}
	return Result{Admitted: reply.admitted == 1, RetryAfter: retry, Remaining: reply.tokens}, nil
}

func (s *RedisStore) Refund(ctx context.Context, key string, params Params, cost float64, now time.Time) error {
	_, err := s.run(ctx, key, params, cost, now, "refund")
	return err
}

func (s *RedisStore) Peek(ctx context.Context, key string, params Params, now time.Time) (State, error) {
	reply, err := s.run(ctx, key, params, 0, now, "peek")
	if err != nil {
		return State{}, err
	}
	state := State{
		Key:        key,
		Tokens:     reply.tokens,
		Capacity:   params.Capacity,
		RefillRate: params.RefillRate,
		LastRefill: now,
	}
	if reply.limitedUntil > 0 {
		state.Limited = true
		state.LimitedUntil = time.UnixMilli(reply.limitedUntil)
		state.LimitReason = reply.reason
	}
	return state, nil
}

func (s *RedisStore) Limit(ctx context.Context, key string, params Params, until time.Time, reason string, now time.Time) error {
	if err := params.Validate(); err != nil {
		return err
	}
	errCall := s.breaker.Call(func() error {
		return limitScript.Run(ctx, s.client, []string{s.buildKey(key)},
			params.Capacity, now.UnixMilli(), until.UnixMilli(), reason).Err()
	})
	if errCall != nil {
		return apperror.Stale("redis bucket store", key, errCall)
	}
	return nil
}

// Reset overwrites the bucket with a full one.
func (s *RedisStore) Reset(ctx context.Context, key string, params Params, now time.Time) error {
	if err := params.Validate(); err != nil {
		return err
	}
	client, ok := s.client.(redis.Cmdable)
	if !ok {
		return apperror.Configuration("redis bucket store client does not support commands", nil)
	}
	errCall := s.breaker.Call(func() error {
		_, errPipe := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			redisKey := s.buildKey(key)
			pipe.Del(ctx, redisKey)
			pipe.HSet(ctx, redisKey, "t", strconv.FormatFloat(float64(params.Capacity), 'f', 6, 64), "ts", strconv.FormatInt(now.UnixMilli(), 10))
			return nil
		})
		return errPipe
	})
	if errCall != nil {
		return apperror.Stale("redis bucket store", key, errCall)
	}
	return nil
}
