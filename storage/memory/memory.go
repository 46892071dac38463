// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jmcleod/gatekeep/storage"
)

// Store is a thread-safe in-memory storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	keys     map[string][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		consumed: make(map[string]time.Time),
		keys:     make(map[string][]byte),
	}
}

func makeKey(scope storage.Scope, key string) string {
	return string(scope) + ":" + key
}

func (s *Store) MarkConsumed(_ context.Context, scope storage.Scope, key string, now, expiresAt time.Time) (bool, error) {
	k := makeKey(scope, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.consumed[k]; ok && exp.After(now) {
		return false, nil
	}
	s.consumed[k] = expiresAt
	return true, nil
}

func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, exp := range s.consumed {
		if !exp.After(now) {
			delete(s.consumed, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of consumption entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}

func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) CompareAndSwap(_ context.Context, name string, prev, next []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.keys[name]
	switch {
	case prev == nil && ok:
		return storage.ErrCASFailed
	case prev != nil && (!ok || !bytes.Equal(current, prev)):
		return storage.ErrCASFailed
	}
	s.keys[name] = clone(next)
	return nil
}

// clone copies b into a non-nil slice, so an empty stored value stays
// distinguishable from "no previous value" in CompareAndSwap.
func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.keys, name)
	s.mu.Unlock()
	return nil
}
