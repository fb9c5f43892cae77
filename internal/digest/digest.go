// Package digest caches request digests (anti-forgery tokens) per web root.
package digest

import (
	"context"
	"sync"
	"time"
)

// Store holds digests keyed by web root URL. Implementations must never return
// a value after its TTL has elapsed and must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Entry is a cached digest.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// MemoryStore is a process-local Store. Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// NewMemoryStoreClock creates an empty MemoryStore reading time from now.
func NewMemoryStoreClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.now = now
	return s
}

// Get returns the digest for key if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.ExpiresAt) {
		s.mu.Lock()
		// Only evict the entry we saw; a concurrent Set may have refreshed it.
		if cur, ok := s.entries[key]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}
	return e.Value, true, nil
}

// Set stores value under key for ttl. Non-positive TTLs are ignored.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	s.entries[key] = Entry{Key: key, Value: value, ExpiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
