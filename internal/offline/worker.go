package offline

import (
	"slices"
	"time"
)

// State is a worker's lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	// StateRedundant marks a worker whose install failed or that was replaced.
	StateRedundant
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Definition describes one worker: the cache version it owns, what it
// pre-caches and how it routes.
type Definition struct {
	// Version is the cache version name. Bumping it is the only way to force
	// full invalidation.
	Version string

	// Resources are fetched and stored at install time.
	Resources ResourceSet

	// AlwaysFreshSuffixes selects network-first requests by path suffix. Nil
	// means [DefaultAlwaysFreshSuffixes]; an empty non-nil slice disables the
	// network-first route.
	AlwaysFreshSuffixes []string

	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting bool

	// ClaimClients binds every open application instance to the worker when
	// it activates.
	ClaimClients bool
}

func (d Definition) suffixes() []string {
	if d.AlwaysFreshSuffixes == nil {
		return DefaultAlwaysFreshSuffixes
	}
	return d.AlwaysFreshSuffixes
}

// Equal reports whether d and other describe the same worker.
func (d Definition) Equal(other Definition) bool {
	return d.Version == other.Version &&
		d.Resources.Equal(other.Resources) &&
		slices.Equal(d.suffixes(), other.suffixes()) &&
		d.SkipWaiting == other.SkipWaiting &&
		d.ClaimClients == other.ClaimClients
}

// worker is one registration attempt. version, def and policy never change;
// the remaining fields are guarded by Manager.mu.
type worker struct {
	id      uint64
	version string
	def     Definition
	policy  Policy

	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID          uint64    `json:"id"`
	Version     string    `json:"version"`
	State       string    `json:"state"`
	Resources   int       `json:"resources"`
	SkipWaiting bool      `json:"skip_waiting"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

func (w *worker) info() *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{
		ID:          w.id,
		Version:     w.version,
		State:       w.state.String(),
		Resources:   w.def.Resources.Len(),
		SkipWaiting: w.skipWaiting,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}
