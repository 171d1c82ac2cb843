package kvstore

import (
	"context"
	"sync"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// MemoryStore is a Store backed by a map
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "Get", "read key")
	}
	value, ok := s.data[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "Get", "read "+key)
	}
	return append([]byte(nil), value...), nil
}

// Put implements Store
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "Put", "write key")
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	return filterSorted(keys, prefix), nil
}

// Close implements Store. Later reads and writes fail as unavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
