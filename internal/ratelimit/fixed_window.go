package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// Period is a calendar window. Daily windows start at midnight in Location.
type Period struct {
	Name     string
	Length   time.Duration
	Location *time.Location
}

func Hourly(loc *time.Location) Period {
	return Period{Name: "hour", Length: time.Hour, Location: loc}
}

func Daily(loc *time.Location) Period {
	return Period{Name: "day", Length: 24 * time.Hour, Location: loc}
}

func (p Period) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Returns the start of the window containing now. Sub-day windows count
// whole lengths from local midnight, so hours stay on :00 in zones with a
// half-hour offset.
func (p Period) Start(now time.Time) time.Time {
	local := now.In(p.loc())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc())
	if p.Length >= 24*time.Hour || p.Length <= 0 {
		return midnight
	}
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%p.Length)
}

// Returns the time at which the window containing now resets
func (p Period) End(now time.Time) time.Time {
	start := p.Start(now)
	if p.Length >= 24*time.Hour {
		return start.AddDate(0, 0, int(p.Length/(24*time.Hour)))
	}
	return start.Add(p.Length)
}

func windowKey(key string, p Period, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", key, p.Name, p.Start(now).Unix())
}

type windowEntry struct {
	count int64
	end   time.Time
}

// MemoryCounter implements fixed-window counting in process.
type MemoryCounter struct {
	mu       sync.Mutex
	counters map[string]*windowEntry
	adds     int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[string]*windowEntry)}
}

func (c *MemoryCounter) Add(_ context.Context, key string, period Period, delta int64, now time.Time) (int64, error) {
	wk := windowKey(key, period, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.counters[wk]
	if entry == nil {
		entry = &windowEntry{end: period.End(now)}
		c.counters[wk] = entry
	}
	entry.count += delta
	if entry.count < 0 {
		entry.count = 0
	}

	c.adds++
	if c.adds%1024 == 0 {
		c.pruneLocked(now)
	}
	return entry.count, nil
}

func (c *MemoryCounter) Get(_ context.Context, key string, period Period, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.counters[windowKey(key, period, now)]; entry != nil {
		return entry.count, nil
	}
	return 0, nil
}

// Drops finished windows
func (c *MemoryCounter) pruneLocked(now time.Time) {
	for k, entry := range c.counters {
		if !now.Before(entry.end) {
			delete(c.counters, k)
		}
	}
}

// ARGV: delta, ttl seconds
var redisWindowScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if current < 0 then
  redis.call("SET", KEYS[1], 0)
  current = 0
end
if redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return current
`)

// RedisCounter implements fixed-window counting backed by Redis.
type RedisCounter struct {
	client  redis.Cmdable
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
}

func NewRedisCounter(client redis.Cmdable, prefix string, breaker *circuitbreaker.CircuitBreaker) *RedisCounter {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "quota-counter"})
	}
	return &RedisCounter{client: client, prefix: strings.TrimSpace(prefix), breaker: breaker}
}

func (c *RedisCounter) buildKey(key string, period Period, now time.Time) string {
	wk := windowKey(key, period, now)
	if c.prefix == "" {
		return "quota:" + wk
	}
	return c.prefix + ":quota:" + wk
}

func (c *RedisCounter) Add(ctx context.Context, key string, period Period, delta int64, now time.Time) (int64, error) {
	ttl := int64(period.End(now).Sub(now).Seconds()) + 60

	var count int64
	errCall := c.breaker.Call(func() error {
		var errRun error
		count, errRun = redisWindowScript.Run(ctx, c.client, []string{c.buildKey(key, period, now)}, delta, ttl).Int64()
		return errRun
	})
	if errCall != nil {
		return 0, apperror.Stale("redis quota counter", key, errCall)
	}
	return count, nil
}

func (c *RedisCounter) Get(ctx context.Context, key string, period Period, now time.Time) (int64, error) {
	var val string
	errCall := c.breaker.Call(func() error {
		var errGet error
		val, errGet = c.client.Get(ctx, c.buildKey(key, period, now)).Result()
		return errGet
	}, func(err error) bool { return err == redis.Nil })

	if errCall == redis.Nil {
		return 0, nil
	}
	if errCall != nil {
		return 0, apperror.Stale("redis quota counter", key, errCall)
	}

	count, errParse := strconv.ParseInt(val, 10, 64)
	if errParse != nil {
		return 0, apperror.Stale("redis quota counter", key, errParse)
	}
	return count, nil
}
