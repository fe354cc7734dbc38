package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// ViolationTracker counts rate-limit denials per key over a sliding window.
// The sweeper reads it to feed the rate_limit_violation abuse signal.
type ViolationTracker struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func NewViolationTracker(window time.Duration) *ViolationTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ViolationTracker{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

func (v *ViolationTracker) Window() time.Duration {
	return v.window
}

func (v *ViolationTracker) Record(key string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	hits := v.trimLocked(key, now)
	v.hits[key] = append(hits, now)
}

// Returns the number of denials inside the window ending at now
func (v *ViolationTracker) Count(key string, now time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.trimLocked(key, now))
}

// Returns every key with at least one denial in the window
func (v *ViolationTracker) Snapshot(now time.Time) map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]int, len(v.hits))
	for key := range v.hits {
		if n := len(v.trimLocked(key, now)); n > 0 {
			out[key] = n
		}
	}
	return out
}

// Removes entries older than the window
func (v *ViolationTracker) trimLocked(key string, now time.Time) []time.Time {
	hits := v.hits[key]
	windowStart := now.Add(-v.window)

	idx := sort.Search(len(hits), func(i int) bool {
		return hits[i].After(windowStart)
	})
	hits = hits[idx:]
	if len(hits) == 0 {
		delete(v.hits, key)
		return nil
	}
	v.hits[key] = hits
	return hits
}
