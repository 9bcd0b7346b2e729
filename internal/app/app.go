// Package app wires all spitch subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New opens the cache store and builds
// the network client, client registry, offline manager and HTTP surface; Run
// serves HTTP and installs the configured cache definition; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithFetcher).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/spitch/internal/clients"
	"github.com/MrWong99/spitch/internal/config"
	"github.com/MrWong99/spitch/internal/gateway"
	"github.com/MrWong99/spitch/internal/health"
	"github.com/MrWong99/spitch/internal/network"
	"github.com/MrWong99/spitch/internal/observe"
	"github.com/MrWong99/spitch/internal/offline"
	"github.com/MrWong99/spitch/internal/resilience"
	"github.com/MrWong99/spitch/pkg/cachestore"
	"github.com/MrWong99/spitch/pkg/cachestore/memory"
	"github.com/MrWong99/spitch/pkg/cachestore/postgres"
	"github.com/MrWong99/spitch/pkg/cachestore/sqlite"
)

// reconcileTimeout bounds the activation attempt triggered by a client
// closing.
const reconcileTimeout = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	store    cachestore.Store
	fetcher  network.Fetcher
	registry *clients.Registry
	manager  *offline.Manager
	gateway  *gateway.Gateway
	health   *health.Handler
	server   *http.Server

	// reload returns the config POST /_spitch/update applies. Defaults to the
	// config New was given.
	reload func(ctx context.Context) (*config.Config, error)

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a cache store instead of opening the configured backend.
// The app does not close an injected store.
func WithStore(s cachestore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithFetcher injects the network dependency instead of building an HTTP
// client from the configured origins.
func WithFetcher(f network.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithMetrics replaces the process-wide metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithReloader sets how POST /_spitch/update obtains a fresh config, for
// example by re-reading the config file.
func WithReloader(fn func(ctx context.Context) (*config.Config, error)) Option {
	return func(a *App) { a.reload = fn }
}

// New creates an App by wiring all subsystems together. Nothing is installed
// until [App.Run] or [App.Apply].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reload == nil {
		a.reload = func(context.Context) (*config.Config, error) { return a.cfg, nil }
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initNetwork(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init network: %w", err)
	}

	// The registry and the manager reference each other: closing a client may
	// let a waiting worker activate.
	a.registry = clients.NewRegistry(
		clients.WithMetrics(a.metrics),
		clients.WithOnRelease(a.reconcile),
	)
	a.manager = offline.New(a.store, a.fetcher,
		offline.WithClients(a.registry),
		offline.WithMetrics(a.metrics),
		offline.WithInstallConcurrency(cfg.Cache.InstallConcurrency),
	)

	a.initHTTP()
	return a, nil
}

// initStore opens the configured cache backend or uses the injected store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := sqlite.Open(a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoreMemory, "":
		a.store = memory.New()
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("cache store opened", "backend", a.cfg.Store.Backend)
	return nil
}

// initNetwork builds the origin client unless a fetcher was injected.
func (a *App) initNetwork() error {
	if a.fetcher != nil {
		return nil
	}

	nc := a.cfg.Network
	origins := make([]network.Origin, len(nc.Origins))
	for i, o := range nc.Origins {
		origins[i] = network.Origin{Name: o.Name, URL: o.URL}
	}
	c, err := network.New(network.Config{
		Origins:        origins,
		Timeout:        nc.Timeout,
		SOCKSProxy:     nc.SOCKSProxy,
		MaxBodyBytes:   nc.MaxBodyBytes,
		CircuitBreaker: nc.Breaker.CircuitBreaker(),
	}, network.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.fetcher = c
	return nil
}

// initHTTP assembles the gateway, health probes and metrics endpoint.
func (a *App) initHTTP() {
	var origins func() []resilience.EntryState
	if o, ok := a.fetcher.(interface{ Origins() []resilience.EntryState }); ok {
		origins = o.Origins
	}

	a.gateway = gateway.New(gateway.Config{
		Manager: a.manager,
		Clients: a.registry,
		ClientsHandler: clients.NewHandler(a.registry, a.manager,
			clients.WithPingInterval(a.cfg.Clients.PingInterval),
			clients.WithOriginPatterns(a.cfg.Clients.OriginPatterns...),
		),
		Origins: origins,
		Update:  a.Update,
		Metrics: a.metrics,
	})

	checkers := []health.Checker{health.ActiveVersionCheck(a.manager.ActiveVersion)}
	if p, ok := a.store.(cachestore.Pinger); ok {
		checkers = append(checkers, health.StoreCheck(p))
	}
	if origins != nil {
		checkers = append(checkers, health.OriginsCheck(origins))
	}
	a.health = health.New(checkers...)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
}

// Handler returns the full HTTP surface: probes, /metrics, control endpoints
// and fetch interception.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.gateway.Register(mux)
	return mux
}

// Manager exposes the offline cache manager.
func (a *App) Manager() *offline.Manager { return a.manager }

// Addr returns the listener address once Run is serving, or nil.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Apply registers the cache definition described by cfg. An unchanged
// definition is a no-op; a new one installs and activates on the manager's
// schedule.
func (a *App) Apply(ctx context.Context, cfg *config.Config) error {
	def, err := cfg.Definition()
	if err != nil {
		return fmt.Errorf("app: cache definition: %w", err)
	}
	return a.manager.Register(ctx, def)
}

// Update reloads the config and applies its cache definition.
func (a *App) Update(ctx context.Context) error {
	cfg, err := a.reload(ctx)
	if err != nil {
		return err
	}
	return a.Apply(ctx, cfg)
}

// reconcile runs after a client closes or is rebound.
func (a *App) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if err := a.manager.Reconcile(ctx); err != nil {
		slog.Warn("reconcile after client release failed", "err", err)
	}
}

// Run serves HTTP and installs the configured definition, then blocks until
// ctx is cancelled or the server fails. The install runs alongside the
// server; until it activates every request is a network passthrough.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	events, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()
	go logEvents(events)

	serveErr := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		serveErr <- a.server.Serve(ln)
	}()

	go func() {
		if err := a.Apply(ctx, a.cfg); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("initial install failed; serving from network", "version", a.cfg.Cache.Version, "err", err)
		}
	}()

	slog.Info("gateway listening", "addr", ln.Addr().String(), "version", a.cfg.Cache.Version)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// logEvents writes lifecycle transitions to the default logger until events
// is closed.
func logEvents(events <-chan offline.Event) {
	for ev := range events {
		if ev.Err != nil {
			slog.Warn("worker state changed", "worker", ev.WorkerID, "version", ev.Version, "state", ev.State, "err", ev.Err)
			continue
		}
		slog.Info("worker state changed", "worker", ev.WorkerID, "version", ev.Version, "state", ev.State)
	}
}

// Shutdown stops the HTTP server, then runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
