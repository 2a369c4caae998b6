package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an envelope ID is remembered when no TTL is given.
const DefaultTTL = 5 * time.Minute

// MemoryStore implements Store using in-memory storage with TTL support.
//
// Entries expire after the TTL so the store does not grow with the lifetime
// of a session. A background goroutine sweeps expired entries; call Close
// to stop it.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]time.Time // envelope ID -> expiry time
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryStore creates a store remembering IDs for ttl.
// A non-positive ttl selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}

	s := &MemoryStore{
		entries:  make(map[string]time.Time),
		ttl:      ttl,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	go s.cleanup()

	return s
}

// IsDuplicate checks if an envelope ID has already been recorded.
func (s *MemoryStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, exists := s.entries[id]
	if !exists {
		return false, nil
	}
	return s.now().Before(expiry), nil
}

// MarkProcessed records an envelope ID with the store TTL.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = s.now().Add(s.ttl)
	return nil
}

// MarkIfNew records id unless it is already present and unexpired.
// Empty IDs are never treated as duplicates.
func (s *MemoryStore) MarkIfNew(ctx context.Context, id string) bool {
	if id == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.entries[id]; ok && now.Before(expiry) {
		return false
	}
	s.entries[id] = now.Add(s.ttl)
	return true
}

// Remove forgets an envelope ID.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

// Reset forgets every ID.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]time.Time)
	s.mu.Unlock()
}

// Len returns the number of entries, including expired entries that have
// not been swept yet.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
		}
	}
}

// Compile-time check that MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
