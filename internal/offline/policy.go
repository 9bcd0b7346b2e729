package offline

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// DefaultAlwaysFreshSuffixes is used when a [Definition] leaves
// AlwaysFreshSuffixes nil: scripts are always revalidated against the network.
var DefaultAlwaysFreshSuffixes = []string{".js"}

// Predicate selects requests that bypass the cache-first path.
type Predicate func(u *url.URL) bool

// SuffixPredicate matches URLs whose path ends in any of suffixes. Query and
// fragment are not considered.
func SuffixPredicate(suffixes ...string) Predicate {
	suffixes = slices.Clone(suffixes)
	return func(u *url.URL) bool {
		if u == nil {
			return false
		}
		for _, s := range suffixes {
			if strings.HasSuffix(u.Path, s) {
				return true
			}
		}
		return false
	}
}

// Route is the strategy chosen for one intercepted request.
type Route int

const (
	// RoutePassthrough sends the request to the network untouched.
	RoutePassthrough Route = iota
	// RouteNetworkFirst tries the network and falls back to the store on a
	// fetch-level failure.
	RouteNetworkFirst
	// RouteCacheFirst serves from the store and fetches once on a miss.
	RouteCacheFirst
)

// String returns the metric label for r.
func (r Route) String() string {
	switch r {
	case RoutePassthrough:
		return "passthrough"
	case RouteNetworkFirst:
		return "network-first"
	case RouteCacheFirst:
		return "cache-first"
	default:
		return "unknown"
	}
}

// Source tells where a served response came from.
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
)

// String returns "network" or "cache".
func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "network"
}

// Policy decides the [Route] for requests handled by a worker.
type Policy struct {
	AlwaysFresh Predicate
}

// NewPolicy builds a policy from always-fresh path suffixes.
func NewPolicy(suffixes []string) Policy {
	return Policy{AlwaysFresh: SuffixPredicate(suffixes...)}
}

// Route classifies req. Only GET requests are ever served from the store.
func (p Policy) Route(req *http.Request) Route {
	if req.Method != "" && req.Method != http.MethodGet {
		return RoutePassthrough
	}
	if p.AlwaysFresh != nil && p.AlwaysFresh(req.URL) {
		return RouteNetworkFirst
	}
	return RouteCacheFirst
}
