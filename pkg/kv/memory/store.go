package memory

import (
	"context"
	"sync"

	"github.com/drachma/drachma-bridge/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu      sync.RWMutex
	strings map[string][]byte
	lists   map[string][][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		strings: make(map[string][]byte),
		lists:   make(map[string][][]byte),
	}
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.lists, key)
	// Callers may reuse their buffer after Set returns.
	s.strings[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.strings[key]
	if !exists {
		return nil, kv.ErrNotFound
	}

	return append([]byte(nil), value...), nil
}

// Key operations

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int64
	for _, key := range keys {
		if s.existsUnsafe(key) {
			exists++
		}
	}

	return exists, nil
}

func (s *Store) existsUnsafe(key string) bool {
	if _, found := s.strings[key]; found {
		return true
	}
	_, found := s.lists[key]
	return found
}

// List operations

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lists[key] == nil {
		delete(s.strings, key)
		s.lists[key] = make([][]byte, 0, len(values))
	}

	for _, value := range values {
		s.lists[key] = append(s.lists[key], append([]byte(nil), value...))
	}
	return int64(len(s.lists[key])), nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, exists := s.lists[key]
	if !exists {
		return nil, kv.ErrNotFound
	}

	listLen := int64(len(list))
	if listLen == 0 {
		return [][]byte{}, nil
	}

	// Handle negative indices
	if start < 0 {
		start = listLen + start
	}
	if stop < 0 {
		stop = listLen + stop
	}

	if start < 0 {
		start = 0
	}
	if stop >= listLen {
		stop = listLen - 1
	}

	if start > stop || start >= listLen {
		return [][]byte{}, nil
	}

	result := make([][]byte, stop-start+1)
	for i := start; i <= stop; i++ {
		result[i-start] = append([]byte(nil), list[i]...)
	}

	return result, nil
}

// Multi operations

func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([][]byte, len(keys))
	for i, key := range keys {
		if value, exists := s.strings[key]; exists {
			result[i] = append([]byte(nil), value...)
		}
	}

	return result, nil
}

// Ping always returns nil for the in-memory store (always available)
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close drops all stored data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings = make(map[string][]byte)
	s.lists = make(map[string][][]byte)
	return nil
}
