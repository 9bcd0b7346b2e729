// Package mock provides a fault-injecting test double for cachestore.Store.
//
// Store delegates to an in-memory store and lets tests fail individual
// operations and inspect how the cache manager used the store.
//
// Example:
//
//	s := mock.New()
//	s.PutAllErr = errors.New("disk full")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/spitch/pkg/cachestore"
	"github.com/MrWong99/spitch/pkg/cachestore/memory"
)

// Store is a mock implementation of cachestore.Store backed by memory.Store.
type Store struct {
	backing *memory.Store

	mu sync.Mutex

	// --- Fault injection ---

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error
	// VersionsErr, if non-nil, is returned by Versions.
	VersionsErr error
	// DeleteErr, if non-nil, is returned by Delete.
	DeleteErr error
	// PutAllErr, if non-nil, is returned by PutAll and nothing is written.
	PutAllErr error
	// MatchErr, if non-nil, is returned by Match.
	MatchErr error
	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// --- Call records ---

	// Deleted lists every version passed to Delete, in order.
	Deleted []string
	// PutAllCalls counts PutAll invocations.
	PutAllCalls int
	// MatchCalls counts Match invocations.
	MatchCalls int
	// Closed reports whether Close was called.
	Closed bool
}

var (
	_ cachestore.Store  = (*Store)(nil)
	_ cachestore.Pinger = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{backing: memory.New()}
}

// Open implements cachestore.Store.
func (s *Store) Open(ctx context.Context, version string) (bool, error) {
	s.mu.Lock()
	err := s.OpenErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.backing.Open(ctx, version)
}

// Versions implements cachestore.Store.
func (s *Store) Versions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	err := s.VersionsErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.backing.Versions(ctx)
}

// Delete implements cachestore.Store.
func (s *Store) Delete(ctx context.Context, version string) (bool, error) {
	s.mu.Lock()
	s.Deleted = append(s.Deleted, version)
	err := s.DeleteErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.backing.Delete(ctx, version)
}

// PutAll implements cachestore.Store.
func (s *Store) PutAll(ctx context.Context, version string, entries []cachestore.Response) error {
	s.mu.Lock()
	s.PutAllCalls++
	err := s.PutAllErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.backing.PutAll(ctx, version, entries)
}

// Match implements cachestore.Store.
func (s *Store) Match(ctx context.Context, version, key string) (*cachestore.Response, error) {
	s.mu.Lock()
	s.MatchCalls++
	err := s.MatchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.backing.Match(ctx, version, key)
}

// Keys implements cachestore.Store.
func (s *Store) Keys(ctx context.Context, version string) ([]string, error) {
	return s.backing.Keys(ctx, version)
}

// Ping implements cachestore.Pinger.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close implements cachestore.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// SetMatchErr changes MatchErr under the lock.
func (s *Store) SetMatchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MatchErr = err
}

// DeletedVersions returns a copy of Deleted.
func (s *Store) DeletedVersions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Deleted...)
}
