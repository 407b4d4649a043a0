package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local counter backend for development and
// tests. It is NOT shared across server processes: with more than one
// worker each process enforces its own budget, so production deployments
// must use [RedisStore].
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count    int64
	expireAt time.Time
}

// NewMemoryStore returns an empty [MemoryStore]. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      now,
	}
}

// Incr increments key, creating it with the given expiry on first touch.
// Expired entries are dropped opportunistically on access.
func (s *MemoryStore) Incr(_ context.Context, key string, expireAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !c.expireAt.After(now) {
		c = &memoryCounter{expireAt: expireAt}
		s.counters[key] = c
	}
	c.count++

	if len(s.counters) > 1024 {
		s.purgeLocked(now)
	}

	return c.count, nil
}

func (s *MemoryStore) purgeLocked(now time.Time) {
	for key, c := range s.counters {
		if !c.expireAt.After(now) {
			delete(s.counters, key)
		}
	}
}
