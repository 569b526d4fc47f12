package recorder

import (
	"context"
	"sync"
)

// MemoryStore keeps flushed records in memory. Used by tests and by
// deployments that only want the in-process queue semantics.
type MemoryStore struct {
	mu      sync.Mutex
	records []TurnRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, records []TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemoryStore) Records() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRecord, len(s.records))
	copy(out, s.records)
	return out
}
