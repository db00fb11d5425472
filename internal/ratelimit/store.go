package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Window is the state of one fixed window for a key
type Window struct {
	Count   int64
	Start   time.Time
	ResetAt time.Time
}

// WindowStore keeps fixed-window counters. Implementations must make
// Increment atomic per key and expire a window once its length has passed.
type WindowStore interface {
	// Increment adds one hit to key's current window, opening a new window
	// of the given length when none is active, and returns the window after
	// the increment.
	Increment(ctx context.Context, key string, window time.Duration) (Window, error)
	// Peek returns the active window for key without counting a hit
	Peek(ctx context.Context, key string) (Window, bool, error)
	// Reset drops key's window
	Reset(ctx context.Context, key string) error
}

type memoryWindow struct {
	count int64
	start time.Time
}

// MemoryStore keeps windows in a process-local TTL cache
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *memoryWindow]
}

// NewMemoryStore creates a MemoryStore and starts its expiry loop
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, *memoryWindow](
		ttlcache.WithDisableTouchOnHit[string, *memoryWindow](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Increment implements WindowStore
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(key)
	if item == nil {
		item = s.cache.Set(key, &memoryWindow{start: time.Now()}, window)
	}
	w := item.Value()
	w.count++

	return Window{Count: w.count, Start: w.start, ResetAt: item.ExpiresAt()}, nil
}

// Peek implements WindowStore
func (s *MemoryStore) Peek(ctx context.Context, key string) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(key)
	if item == nil {
		return Window{}, false, nil
	}
	w := item.Value()
	return Window{Count: w.count, Start: w.start, ResetAt: item.ExpiresAt()}, true, nil
}

// Reset implements WindowStore
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(key)
	return nil
}

// Len returns the number of tracked keys, including not yet evicted expired ones
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
