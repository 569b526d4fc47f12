package assembly

import (
	"context"
	"errors"
	"sync"
)

type (
	// Store is the blob interface the assembler persists documents through.
	// Implementations wrap object storage (S3, GCS) or a database; tests use
	// the in-memory store below.
	Store interface {
		// Get fetches the object at key. Returns ErrNotFound when absent.
		Get(ctx context.Context, key string) ([]byte, error)
		// Put writes the object at key, replacing any prior value.
		Put(ctx context.Context, key string, data []byte, opts PutOptions) error
		// Delete removes the object at key. Deleting a missing key is not an
		// error.
		Delete(ctx context.Context, key string) error
	}

	// PutOptions carries the metadata stored alongside an object.
	PutOptions struct {
		// ContentType is the MIME type served with the object.
		ContentType string
		// CacheControl is the cache directive served with the object.
		CacheControl string
	}

	// MemoryStore is an in-process Store used by tests and single-node
	// deployments without object storage.
	MemoryStore struct {
		mu      sync.RWMutex
		objects map[string]memObject
	}

	memObject struct {
		data []byte
		opts PutOptions
	}
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("assembly: object not found")

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = memObject{data: cp, opts: opts}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Metadata returns the PutOptions recorded for key, for tests.
func (s *MemoryStore) Metadata(key string) (PutOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj.opts, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
