package ratelimit

import (
	"fmt"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
)

// NewStore picks the bucket and quota backends by name.
func NewStore(backend string, redis *storage.RedisClient, breaker *circuitbreaker.CircuitBreaker) (Store, Counter, error) {
	switch backend {
	case "redis":
		if redis == nil {
			return nil, nil, apperror.Configuration("bucket backend redis requires redis.enabled", nil)
		}
		return NewRedisStore(redis.Client(), redis.Prefix(), breaker),
			NewRedisCounter(redis.Client(), redis.Prefix(), breaker), nil
	case "memory", "":
		return NewMemoryStore(), NewMemoryCounter(), nil
	default:
		return nil, nil, apperror.Configuration(fmt.Sprintf("unknown bucket backend %q", backend), nil)
	}
}
