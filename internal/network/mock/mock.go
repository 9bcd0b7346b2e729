// Package mock provides a test double for the network.Fetcher interface.
//
// Use Fetcher to serve canned origin responses keyed by request key and to
// verify how many times the cache manager went to the network.
//
// Example:
//
//	f := &mock.Fetcher{
//	    Responses: map[string]*cachestore.Response{
//	        "/style.css": {Status: 200, Body: []byte("body{}")},
//	    },
//	}
//	f.Err = network.ErrNetwork // take the network down
package mock

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/spitch/internal/network"
	"github.com/MrWong99/spitch/pkg/cachestore"
)

// FetchCall records a single invocation of Fetch.
type FetchCall struct {
	// Method is the request method.
	Method string
	// Key is the store key of the request URL.
	Key string
	// Header is a copy of the request headers.
	Header http.Header
}

// Fetcher is a mock implementation of network.Fetcher.
type Fetcher struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses maps request keys to canned responses. A key with no entry
	// yields a 404 response.
	Responses map[string]*cachestore.Response

	// Errs maps request keys to fetch errors. Checked before Responses.
	Errs map[string]error

	// Err, if non-nil, fails every fetch. Errors not already wrapping
	// network.ErrNetwork are wrapped in it.
	Err error

	// Hook, if set, runs at the start of every Fetch. Tests use it to block
	// or observe concurrent fetches.
	Hook func(ctx context.Context, key string)

	// --- Call records ---

	// FetchCalls records every call to Fetch in order.
	FetchCalls []FetchCall
}

var _ network.Fetcher = (*Fetcher)(nil)

// Fetch implements network.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*cachestore.Response, error) {
	key := cachestore.Key(req.URL)
	if f.Hook != nil {
		f.Hook(ctx, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls = append(f.FetchCalls, FetchCall{Method: req.Method, Key: key, Header: req.Header.Clone()})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", network.ErrNetwork, err)
	}
	if f.Err != nil {
		return nil, wrap(f.Err)
	}
	if err, ok := f.Errs[key]; ok {
		return nil, wrap(err)
	}
	if r, ok := f.Responses[key]; ok {
		out := r.Clone()
		out.Key = key
		return out, nil
	}
	return &cachestore.Response{Key: key, Status: http.StatusNotFound, Header: make(http.Header)}, nil
}

// Set installs or replaces a canned response for key.
func (f *Fetcher) Set(key string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Responses == nil {
		f.Responses = make(map[string]*cachestore.Response)
	}
	f.Responses[key] = &cachestore.Response{Status: status, Header: make(http.Header), Body: []byte(body)}
}

// SetDown fails every fetch with network.ErrNetwork when down is true and
// restores normal behaviour otherwise.
func (f *Fetcher) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if down {
		f.Err = network.ErrNetwork
	} else {
		f.Err = nil
	}
}

// CallCount returns the number of Fetch calls so far.
func (f *Fetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.FetchCalls)
}

// CallsFor returns the number of Fetch calls for key.
func (f *Fetcher) CallsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.FetchCalls {
		if c.Key == key {
			n++
		}
	}
	return n
}

// Reset clears all call records.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls = nil
}

func wrap(err error) error {
	if err == network.ErrNetwork {
		return err
	}
	return fmt.Errorf("%w: %w", network.ErrNetwork, err)
}
