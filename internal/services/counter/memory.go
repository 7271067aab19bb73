package counter

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     float64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process counter store used in lite mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Increment(_ context.Context, period Period, tenant, metric string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := Key(period, tenant, metric, now)

	entry, ok := s.entries[key]
	if ok && !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		ok = false
	}
	if !ok {
		entry = &memoryEntry{}
		if ttl := period.TTL(now); ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		s.entries[key] = entry
	}

	entry.value += delta
	return entry.value, nil
}

func (s *MemoryStore) Get(_ context.Context, period Period, tenant, metric string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := Key(period, tenant, metric, now)

	entry, ok := s.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(s.entries, key)
		return 0, false, nil
	}
	return entry.value, true, nil
}
