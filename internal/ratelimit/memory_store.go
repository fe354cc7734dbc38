package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

type memoryEntry struct {
	mu     sync.Mutex
	bucket *TokenBucket
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// MemoryStore keeps buckets in process. Each key has its own mutex, shards
// only guard the key → entry maps.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// Returns the entry for key, creating a full bucket on first reference
func (s *MemoryStore) entry(key string, params Params, now time.Time) *memoryEntry {
	shard := s.shardFor(key)

	shard.mu.RLock()
	e := shard.entries[key]
	shard.mu.RUnlock()
	if e != nil {
		return e
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e = shard.entries[key]; e == nil {
		e = &memoryEntry{bucket: NewTokenBucket(key, params, now)}
		shard.entries[key] = e
	}
	return e
}

// locked runs fn with the key's bucket held and reconfigured to params
func (s *MemoryStore) locked(key string, params Params, now time.Time, fn func(b *TokenBucket) error) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e := s.entry(key, params, now)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bucket.params != params {
		e.bucket.Reconfigure(params, now)
	}
	return fn(e.bucket)
}

func (s *MemoryStore) Take(_ context.Context, key string, params Params, cost float64, now time.Time) (Result, error) {
	var result Result
	err := s.locked(key, params, now, func(b *TokenBucket) error {
		var errTake error
		result, errTake = b.Take(now, cost)
		return errTake
	})
	return result, err
}

func (s *MemoryStore) Refund(_ context.Context, key string, params Params, cost float64, now time.Time) error {
	return s.locked(key, params, now, func(b *TokenBucket) error {
		b.Refill(now)
		b.Refund(cost)
		return nil
	})
}

func (s *MemoryStore) Peek(_ context.Context, key string, params Params, now time.Time) (State, error) {
	var state State
	err := s.locked(key, params, now, func(b *TokenBucket) error {
		b.Refill(now)
		state = b.State()
		return nil
	})
	return state, err
}

func (s *MemoryStore) Limit(_ context.Context, key string, params Params, until time.Time, reason string, now time.Time) error {
	return s.locked(key, params, now, func(b *TokenBucket) error {
		b.Refill(now)
		b.Limit(until, reason)
		return nil
	})
}

func (s *MemoryStore) Reset(_ context.Context, key string, params Params, now time.Time) error {
	return s.locked(key, params, now, func(b *TokenBucket) error {
		b.Reset(now)
		return nil
	})
}

// Len reports how many buckets have been created.
func (s *MemoryStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}
