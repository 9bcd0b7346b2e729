// Package memory provides a process-local [cachestore.Store]. Entries do not
// survive a restart; use the sqlite or postgres backends for that.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/spitch/pkg/cachestore"
)

var _ cachestore.Store = (*Store)(nil)

// Store is a thread-safe, in-memory implementation of [cachestore.Store].
// The zero value is ready to use.
type Store struct {
	mu       sync.RWMutex
	order    []string
	versions map[string]map[string]cachestore.Response

	// now is overridable in tests.
	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{versions: make(map[string]map[string]cachestore.Response)}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Open implements [cachestore.Store.Open].
func (s *Store) Open(_ context.Context, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versions == nil {
		s.versions = make(map[string]map[string]cachestore.Response)
	}
	if _, ok := s.versions[version]; ok {
		return false, nil
	}
	s.versions[version] = make(map[string]cachestore.Response)
	s.order = append(s.order, version)
	return true, nil
}

// Versions implements [cachestore.Store.Versions].
func (s *Store) Versions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

// Delete implements [cachestore.Store.Delete].
func (s *Store) Delete(_ context.Context, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[version]; !ok {
		return false, nil
	}
	delete(s.versions, version)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == version })
	return true, nil
}

// PutAll implements [cachestore.Store.PutAll]. The whole batch is applied
// under one lock, so readers never observe a partial write.
func (s *Store) PutAll(_ context.Context, version string, entries []cachestore.Response) error {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.versions[version]
	if !ok {
		return fmt.Errorf("memory: put %q: %w", version, cachestore.ErrVersionNotFound)
	}
	for i := range entries {
		e := entries[i].Clone()
		e.StoredAt = now
		bucket[e.Key] = *e
	}
	return nil
}

// Match implements [cachestore.Store.Match].
func (s *Store) Match(_ context.Context, version, key string) (*cachestore.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.versions[version][key]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// Keys implements [cachestore.Store.Keys].
func (s *Store) Keys(_ context.Context, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.versions[version]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [cachestore.Store.Close]. It is a no-op.
func (s *Store) Close() error { return nil }
