package session

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	data      Data
	expiresAt time.Time
}

// MemoryStore provides an in-memory implementation useful for testing and
// local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	clock   func() time.Time
}

// NewMemoryStore constructs an empty memory-backed session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		clock:   time.Now,
	}
}

// Get implements the Store interface.
func (s *MemoryStore) Get(_ context.Context, id string) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return Data{}, ErrNotFound
	}
	if !record.expiresAt.IsZero() && !s.clock().Before(record.expiresAt) {
		delete(s.records, id)
		return Data{}, ErrNotFound
	}
	return record.data, nil
}

// Put implements the Store interface.
func (s *MemoryStore) Put(_ context.Context, id string, data Data, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = memoryRecord{
		data:      data,
		expiresAt: s.clock().UTC().Add(ttl),
	}
	return nil
}

// Delete implements the Store interface.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// CleanupExpired removes expired records, returning the number removed.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	removed := 0
	for id, record := range s.records {
		if !record.expiresAt.IsZero() && !now.Before(record.expiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
