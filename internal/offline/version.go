package offline

import (
	"errors"
	"strings"
)

// GenerationKind tags a [Generation].
type GenerationKind int

const (
	// GenerationCurrent is the one version fetches are served from.
	GenerationCurrent GenerationKind = iota
	// GenerationStale is any other version; it is deleted on activation.
	GenerationStale
)

// String returns "current" or "stale".
func (k GenerationKind) String() string {
	if k == GenerationCurrent {
		return "current"
	}
	return "stale"
}

// Generation classifies a cache version name relative to the current one.
type Generation struct {
	Kind GenerationKind
	Name string
}

// Stale reports whether g should be evicted.
func (g Generation) Stale() bool { return g.Kind == GenerationStale }

// Classify compares name against current. There is no time-based expiry:
// equal names are current, everything else is stale.
func Classify(name, current string) Generation {
	if name == current {
		return Generation{Kind: GenerationCurrent, Name: name}
	}
	return Generation{Kind: GenerationStale, Name: name}
}

// ValidateVersion checks that v can name a cache version.
func ValidateVersion(v string) error {
	switch {
	case v == "":
		return errors.New("cache version must not be empty")
	case strings.TrimSpace(v) != v:
		return errors.New("cache version must not have leading or trailing whitespace")
	}
	return nil
}
