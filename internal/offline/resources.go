package offline

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/spitch/pkg/cachestore"
)

// ResourceSet is the immutable list of resources a version pre-caches at
// install time, held as store keys.
type ResourceSet struct {
	keys []string
}

// NewResourceSet normalises refs (paths or same-origin absolute URLs) to store
// keys. Empty entries and entries that normalise to the same key are rejected;
// every problem is reported.
func NewResourceSet(refs ...string) (ResourceSet, error) {
	var errs []error
	seen := make(map[string]int, len(refs))
	keys := make([]string, 0, len(refs))
	for i, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			errs = append(errs, fmt.Errorf("resource %d is empty", i))
			continue
		}
		key, err := cachestore.ParseKey(ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %d (%q): %w", i, ref, err))
			continue
		}
		if j, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("resource %d (%q) duplicates resource %d", i, ref, j))
			continue
		}
		seen[key] = i
		keys = append(keys, key)
	}
	if len(errs) > 0 {
		return ResourceSet{}, errors.Join(errs...)
	}
	return ResourceSet{keys: keys}, nil
}

// MustResourceSet is like [NewResourceSet] but panics on error.
func MustResourceSet(refs ...string) ResourceSet {
	rs, err := NewResourceSet(refs...)
	if err != nil {
		panic(err)
	}
	return rs
}

// Len returns the number of resources.
func (rs ResourceSet) Len() int { return len(rs.keys) }

// Keys returns the store keys in declaration order.
func (rs ResourceSet) Keys() []string { return slices.Clone(rs.keys) }

// Contains reports whether key is declared.
func (rs ResourceSet) Contains(key string) bool { return slices.Contains(rs.keys, key) }

// Equal reports whether both sets hold the same keys. Order is ignored.
func (rs ResourceSet) Equal(other ResourceSet) bool {
	if len(rs.keys) != len(other.keys) {
		return false
	}
	a, b := slices.Clone(rs.keys), slices.Clone(other.keys)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
