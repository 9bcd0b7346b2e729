// Package offline implements the offline cache manager: a versioned cache
// lifecycle (install, wait, activate) and the fetch routing that serves
// application resources from that cache or from the network.
//
// Exactly one cache version is current at a time. Installing a version
// fetches every declared resource and writes them in one atomic step; if any
// fetch fails nothing of the new version survives and the active worker keeps
// serving. Activating a version deletes every other version from the store.
//
// Requests are routed per worker [Policy]:
//
//   - non-GET requests, and requests with no controlling worker, go straight
//     to the network;
//   - always-fresh requests (scripts by default) go to the network first and
//     fall back to the store on fetch-level failures;
//   - everything else is served cache-first with exactly one network fetch on
//     a miss. Network responses are never written back.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spitch/internal/network"
	"github.com/MrWong99/spitch/internal/observe"
	"github.com/MrWong99/spitch/pkg/cachestore"
)

var (
	// ErrInstallFailed is returned by [Manager.Register] when one or more
	// declared resources could not be fetched or stored. It wraps the first
	// underlying error.
	ErrInstallFailed = errors.New("offline: install failed")

	// ErrNoWorker is returned by control signals that have no worker to act on.
	ErrNoWorker = errors.New("offline: no worker")

	// ErrVersionReused is returned by [Manager.Register] for a definition that
	// reuses the active or waiting version's name with different content.
	// Stored entries of a live version are never rewritten.
	ErrVersionReused = errors.New("offline: version already in use")
)

// Clients is the view of open application instances the manager needs. A
// client's controller is the cache version it is bound to; "" means the
// client is open but uncontrolled.
type Clients interface {
	// Controller returns the version bound to id and whether id is open.
	Controller(id string) (version string, ok bool)
	// ControlledBy counts open clients bound to version.
	ControlledBy(version string) int
	// Rebind moves every client bound to from over to to.
	Rebind(from, to string) int
	// Claim binds every open client to version.
	Claim(version string) int
}

// Result is a response resolved by [Manager.Fetch].
type Result struct {
	*cachestore.Response

	Route  Route
	Source Source
	// Version is the controlling cache version, or "" when no worker
	// controlled the request.
	Version string
	// Fallback is set when a network-first request was answered from the
	// store because the network failed.
	Fallback bool
}

// Snapshot is a point-in-time view of the lifecycle.
type Snapshot struct {
	Installing        *WorkerInfo `json:"installing,omitempty"`
	Waiting           *WorkerInfo `json:"waiting,omitempty"`
	Active            *WorkerInfo `json:"active,omitempty"`
	ControlledClients int         `json:"controlled_clients"`
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClients connects the manager to the open-clients registry. Without it
// every request counts as coming from an anonymous client and waiting workers
// activate immediately.
func WithClients(c Clients) Option {
	return func(m *Manager) { m.clients = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithInstallConcurrency bounds parallel resource fetches during install.
// Default: 8.
func WithInstallConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.installConcurrency = n
		}
	}
}

// Manager owns the worker lifecycle and routes fetches. It is safe for
// concurrent use. Lifecycle operations are serialised; fetches never wait on
// them.
type Manager struct {
	store   cachestore.Store
	net     network.Fetcher
	clients Clients
	metrics *observe.Metrics

	installConcurrency int

	// lifecycle serialises install and activation.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	nextID     uint64
	installing *worker
	waiting    *worker
	active     *worker

	events eventBus
	now    func() time.Time
}

// New creates a Manager with no workers.
func New(store cachestore.Store, net network.Fetcher, opts ...Option) *Manager {
	m := &Manager{
		store:              store,
		net:                net,
		installConcurrency: 8,
		now:                time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Subscribe returns a channel of lifecycle events and a function that ends
// the subscription and closes the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe(32)
}

// Register installs a worker for def and, if the activation conditions hold,
// activates it before returning. Registering a definition equal to the active
// or waiting worker's is a no-op.
//
// A definition that reuses the active or waiting version with a different
// resource set or routing is rejected with [ErrVersionReused].
//
// On install failure the returned error wraps [ErrInstallFailed], the new
// worker is redundant and the active worker is untouched. The exception is a
// version already fully present in the store, left there by an earlier run:
// it is adopted as installed so a restart with the origin down still serves
// offline.
func (m *Manager) Register(ctx context.Context, def Definition) error {
	if err := ValidateVersion(def.Version); err != nil {
		return fmt.Errorf("offline: register: %w", err)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if (m.active != nil && m.active.def.Equal(def)) || (m.waiting != nil && m.waiting.def.Equal(def)) {
		m.mu.Unlock()
		slog.Debug("offline: definition unchanged, skipping install", "version", def.Version)
		return m.tryActivate(ctx)
	}
	if live := liveWithVersion(def.Version, m.active, m.waiting); live != nil {
		state := live.state
		m.mu.Unlock()
		what := "definition changed"
		if !live.def.Resources.Equal(def.Resources) {
			what = "resources changed"
		}
		return fmt.Errorf("%w: %q is %s; %s, bump the version", ErrVersionReused, def.Version, state, what)
	}
	m.nextID++
	w := &worker{
		id:          m.nextID,
		version:     def.Version,
		def:         def,
		policy:      NewPolicy(def.suffixes()),
		state:       StateInstalling,
		skipWaiting: def.SkipWaiting,
	}
	m.installing = w
	m.mu.Unlock()
	m.emit(w, nil)

	start := m.now()
	adopted, err := m.install(ctx, w)
	if err != nil {
		m.metrics.RecordInstall(ctx, w.version, "failed", m.now().Sub(start))
		m.mu.Lock()
		w.state = StateRedundant
		m.installing = nil
		m.mu.Unlock()
		m.emit(w, err)
		slog.Warn("offline: install failed", "version", w.version, "worker", w.id, "err", err)
		return err
	}
	outcome := "ok"
	if adopted {
		outcome = "adopted"
	}
	m.metrics.RecordInstall(ctx, w.version, outcome, m.now().Sub(start))

	m.mu.Lock()
	replaced := m.waiting
	if replaced != nil {
		replaced.state = StateRedundant
	}
	w.state = StateWaiting
	w.installedAt = m.now()
	m.waiting = w
	m.installing = nil
	m.mu.Unlock()
	if replaced != nil {
		m.emit(replaced, nil)
	}
	m.emit(w, nil)
	slog.Info("offline: installed", "version", w.version, "worker", w.id, "resources", def.Resources.Len())

	return m.tryActivate(ctx)
}

func liveWithVersion(version string, workers ...*worker) *worker {
	for _, w := range workers {
		if w != nil && w.version == version {
			return w
		}
	}
	return nil
}

// install populates w's version. Fetches run concurrently; entries are only
// written once every fetch succeeded. adopted reports that the fetch failed
// but the store already held every resource of the version.
func (m *Manager) install(ctx context.Context, w *worker) (adopted bool, err error) {
	created, err := m.store.Open(ctx, w.version)
	if err != nil {
		return false, fmt.Errorf("%w: open %q: %w", ErrInstallFailed, w.version, err)
	}

	keys := w.def.Resources.Keys()
	entries := make([]cachestore.Response, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.installConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, key, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			resp, err := m.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%s: unexpected status %d", key, resp.Status)
			}
			resp.Key = key
			entries[i] = *resp
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = m.store.PutAll(ctx, w.version, entries)
	}
	if err == nil {
		return false, nil
	}

	if !created && ctx.Err() == nil && m.storedComplete(ctx, w) {
		slog.Warn("offline: install fetch failed, adopting stored version", "version", w.version, "err", err)
		return true, nil
	}
	if created {
		// Detached so a cancelled install still cleans up after itself.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, derr := m.store.Delete(cleanupCtx, w.version); derr != nil {
			slog.Error("offline: failed to remove partial version", "version", w.version, "err", derr)
		}
	}
	return false, fmt.Errorf("%w: %q: %w", ErrInstallFailed, w.version, err)
}

// storedComplete reports whether the store holds an entry for every resource
// of w.
func (m *Manager) storedComplete(ctx context.Context, w *worker) bool {
	keys, err := m.store.Keys(ctx, w.version)
	if err != nil {
		slog.Warn("offline: list stored keys failed", "version", w.version, "err", err)
		return false
	}
	have := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		have[k] = struct{}{}
	}
	for _, k := range w.def.Resources.Keys() {
		if _, ok := have[k]; !ok {
			return false
		}
	}
	return true
}

// tryActivate activates the waiting worker when nothing holds it back.
// Callers must hold m.lifecycle.
func (m *Manager) tryActivate(ctx context.Context) error {
	m.mu.RLock()
	w, active := m.waiting, m.active
	ready := w != nil && (active == nil || w.skipWaiting)
	m.mu.RUnlock()
	if w == nil {
		return nil
	}
	if !ready && m.clients != nil && m.clients.ControlledBy(active.version) > 0 {
		slog.Debug("offline: worker waiting for clients to release", "version", w.version, "active", active.version)
		return nil
	}
	return m.activate(ctx, w)
}

// activate deletes every stale version, then promotes w. Callers must hold
// m.lifecycle.
func (m *Manager) activate(ctx context.Context, w *worker) error {
	m.mu.Lock()
	w.state = StateActivating
	m.mu.Unlock()
	m.emit(w, nil)

	versions, err := m.store.Versions(ctx)
	if err != nil {
		m.mu.Lock()
		w.state = StateWaiting
		m.mu.Unlock()
		m.emit(w, err)
		return fmt.Errorf("offline: activate %q: list versions: %w", w.version, err)
	}

	var evictErrs []error
	evicted := 0
	for _, name := range versions {
		if !Classify(name, w.version).Stale() {
			continue
		}
		if _, err := m.store.Delete(ctx, name); err != nil {
			evictErrs = append(evictErrs, fmt.Errorf("delete %q: %w", name, err))
			continue
		}
		evicted++
		slog.Info("offline: deleted stale cache version", "version", name, "current", w.version)
	}

	m.mu.Lock()
	prev := m.active
	if prev != nil {
		prev.state = StateRedundant
	}
	w.state = StateActive
	w.activatedAt = m.now()
	m.active = w
	m.waiting = nil
	claim := w.def.ClaimClients
	m.mu.Unlock()

	if prev != nil {
		m.emit(prev, nil)
	}
	m.emit(w, nil)
	m.metrics.RecordActivation(ctx, w.version, evicted)

	if m.clients != nil {
		if prev != nil && prev.version != w.version {
			m.clients.Rebind(prev.version, w.version)
		}
		if claim {
			m.clients.Claim(w.version)
		}
	}
	slog.Info("offline: activated", "version", w.version, "worker", w.id, "evicted", evicted)

	if len(evictErrs) > 0 {
		return fmt.Errorf("offline: activate %q: %w", w.version, errors.Join(evictErrs...))
	}
	return nil
}

// SkipWaiting forces the installing or waiting worker through to activation.
// A worker that is still installing activates as soon as its install
// succeeds.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	installing, waiting := m.installing, m.waiting
	if installing != nil {
		installing.skipWaiting = true
	}
	if waiting != nil {
		waiting.skipWaiting = true
	}
	m.mu.Unlock()

	switch {
	case waiting == nil && installing == nil:
		return ErrNoWorker
	case waiting == nil:
		return nil
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.tryActivate(ctx)
}

// Claim binds every open client to the active worker. It returns the number
// of clients whose controller changed.
func (m *Manager) Claim(context.Context) (int, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == nil {
		return 0, ErrNoWorker
	}
	if m.clients == nil {
		return 0, nil
	}
	n := m.clients.Claim(active.version)
	slog.Info("offline: claimed clients", "version", active.version, "clients", n)
	return n, nil
}

// Reconcile re-checks whether a waiting worker can activate. The clients
// registry triggers it whenever an instance closes.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.tryActivate(ctx)
}

// ActiveVersion returns the active cache version, or "" when none is active.
func (m *Manager) ActiveVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.version
}

// Snapshot returns the current lifecycle state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	s := Snapshot{
		Installing: m.installing.info(),
		Waiting:    m.waiting.info(),
		Active:     m.active.info(),
	}
	m.mu.RUnlock()
	if s.Active != nil && m.clients != nil {
		s.ControlledClients = m.clients.ControlledBy(s.Active.Version)
	}
	return s
}

// controller resolves the worker controlling a request from clientID. An open
// client without a controller yields nil; anything else falls back to the
// active worker.
func (m *Manager) controller(clientID string) *worker {
	if clientID != "" && m.clients != nil {
		if version, ok := m.clients.Controller(clientID); ok && version == "" {
			return nil
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Fetch resolves req to exactly one stored or network response. The sending
// client is identified by the [network.ClientHeader] header; requests without
// it are anonymous. A store miss is a routing branch; store read errors are
// logged and treated as misses.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (res *Result, err error) {
	start := m.now()
	ctx, span := observe.StartSpan(ctx, "offline.Fetch", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("spitch.key", cachestore.Key(req.URL)),
	))
	defer func() { observe.EndSpan(span, err) }()

	w := m.controller(req.Header.Get(network.ClientHeader))

	route := RoutePassthrough
	version := ""
	if w != nil {
		route = w.policy.Route(req)
		version = w.version
	}

	span.SetAttributes(attribute.String("spitch.route", route.String()), attribute.String("spitch.version", version))

	res, err = m.route(ctx, route, version, req)
	if err != nil {
		m.metrics.RecordFetch(ctx, route.String(), "error", m.now().Sub(start))
		return nil, err
	}
	span.SetAttributes(attribute.String("spitch.source", res.Source.String()))
	m.metrics.RecordFetch(ctx, route.String(), res.Source.String(), m.now().Sub(start))
	return res, nil
}

func (m *Manager) route(ctx context.Context, route Route, version string, req *http.Request) (*Result, error) {
	key := cachestore.Key(req.URL)
	result := func(resp *cachestore.Response, src Source) *Result {
		return &Result{Response: resp, Route: route, Source: src, Version: version}
	}

	switch route {
	case RouteNetworkFirst:
		resp, netErr := m.net.Fetch(ctx, req)
		if netErr == nil {
			return result(resp, SourceNetwork), nil
		}
		if ctx.Err() != nil {
			return nil, netErr
		}
		if cached := m.lookup(ctx, version, key); cached != nil {
			slog.Debug("offline: network failed, serving stored copy", "key", key, "version", version, "err", netErr)
			r := result(cached, SourceCache)
			r.Fallback = true
			return r, nil
		}
		return nil, netErr

	case RouteCacheFirst:
		if cached := m.lookup(ctx, version, key); cached != nil {
			return result(cached, SourceCache), nil
		}
		resp, err := m.net.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return result(resp, SourceNetwork), nil

	default:
		resp, err := m.net.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return result(resp, SourceNetwork), nil
	}
}

func (m *Manager) lookup(ctx context.Context, version, key string) *cachestore.Response {
	resp, err := m.store.Match(ctx, version, key)
	if err != nil {
		slog.Warn("offline: store lookup failed, treating as miss", "version", version, "key", key, "err", err)
		resp = nil
	}
	m.metrics.RecordLookup(ctx, resp != nil)
	return resp
}

func (m *Manager) emit(w *worker, err error) {
	m.mu.RLock()
	e := Event{WorkerID: w.id, Version: w.version, State: w.state, At: m.now(), Err: err}
	m.mu.RUnlock()
	m.events.publish(e)
}
