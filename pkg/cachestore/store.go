// Package cachestore defines the persistent, versioned resource store used by
// the offline cache manager.
//
// A [Store] holds one named collection per cache version. Each collection maps
// a request key (see [Key]) to a stored [Response]. Versions are created when a
// manager installs, populated with one atomic [Store.PutAll], and deleted when
// a newer version activates.
//
// Implementations live in sub-packages:
//
//   - memory: process-local, for tests and ephemeral deployments
//   - sqlite: embedded, file-backed (modernc.org/sqlite)
//   - postgres: shared across gateway replicas (pgx)
//
// All implementations must be safe for concurrent use.
package cachestore

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// ErrVersionNotFound is returned by [Store.PutAll] when the target version has
// not been opened.
var ErrVersionNotFound = errors.New("cachestore: version not found")

// Response is a fully buffered HTTP response as held in the store.
type Response struct {
	// Key is the request key the response is stored under.
	Key string

	// Status is the HTTP status code.
	Status int

	// Header holds the response headers. Hop-by-hop headers are never stored.
	Header http.Header

	// Body is the complete response body.
	Body []byte

	// StoredAt is when the entry was written. Zero for network responses that
	// were never stored.
	StoredAt time.Time
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of r so callers can mutate headers or body
// without touching stored state.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Store is a persistent key-value store keyed by cache version name, where
// each version holds (request key → response) pairs.
type Store interface {
	// Open creates the version if it is absent. It reports whether this call
	// created it.
	Open(ctx context.Context, version string) (created bool, err error)

	// Versions lists every version name present in the store, in creation
	// order.
	Versions(ctx context.Context) ([]string, error)

	// Delete removes a version and all of its entries. It reports whether the
	// version existed. Deleting an absent version is not an error.
	Delete(ctx context.Context, version string) (bool, error)

	// PutAll writes entries into an opened version in a single atomic step:
	// either every entry becomes visible or none does. Existing entries with
	// the same key are replaced.
	PutAll(ctx context.Context, version string, entries []Response) error

	// Match looks up key in version. A miss (unknown version or unknown key)
	// returns (nil, nil).
	Match(ctx context.Context, version, key string) (*Response, error)

	// Keys lists the request keys stored under version, sorted.
	Keys(ctx context.Context, version string) ([]string, error)

	// Close releases the store's resources.
	Close() error
}

// Pinger is implemented by stores that can verify their backing connection.
// It is used by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Key returns the store key for u: the escaped path plus the raw query.
// Scheme, host and fragment are ignored; all resources are same-origin.
// An empty path is treated as "/".
func Key(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// ParseKey parses a resource reference (a path such as "/index.html" or an
// absolute same-origin URL) and returns its store key.
func ParseKey(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return Key(u), nil
}

// hopHeaders are connection-specific and must not be stored or replayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StorableHeader returns a copy of h without hop-by-hop headers.
func StorableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}
