// Package store holds entities shared between operator actions and
// background workers.
//
// Reads return value copies taken under a read lock. Mutate holds the write
// lock only while the callback runs; callbacks must not perform I/O. Fields
// that are slices or pointers are treated as immutable and replaced whole.
package store

import (
	"errors"
	"sync"
)

var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
)

type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

func New[T any]() *Store[T] {
	return &Store[T]{items: make(map[string]T)}
}

func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[id]
	return v, ok
}

func (s *Store[T]) Insert(id string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return ErrAlreadyExists
	}
	s.items[id] = v
	s.order = append(s.order, id)
	return nil
}

// Mutate applies fn to the stored entity and returns the resulting snapshot.
// If fn returns an error the entity is left unchanged.
func (s *Store[T]) Mutate(id string, fn func(*T) error) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	if err := fn(&v); err != nil {
		return s.items[id], err
	}
	s.items[id] = v
	return v, nil
}

// List returns snapshots in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// Filter returns the snapshots for which keep reports true.
func (s *Store[T]) Filter(keep func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, id := range s.order {
		if v := s.items[id]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot copies the whole collection keyed by id, for persistence.
func (s *Store[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]T, len(s.items))
	for id, v := range s.items {
		out[id] = v
	}
	return out
}

// Replace swaps the whole collection, used when loading from disk. order
// fixes the listing order; ids missing from it are appended.
func (s *Store[T]) Replace(items map[string]T, order []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]T, len(items))
	s.order = s.order[:0]
	for _, id := range order {
		if v, ok := items[id]; ok {
			if _, dup := s.items[id]; dup {
				continue
			}
			s.items[id] = v
			s.order = append(s.order, id)
		}
	}
	for id, v := range items {
		if _, ok := s.items[id]; !ok {
			s.items[id] = v
			s.order = append(s.order, id)
		}
	}
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
