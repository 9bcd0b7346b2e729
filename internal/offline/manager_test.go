package offline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/spitch/internal/network"
	netmock "github.com/MrWong99/spitch/internal/network/mock"
	"github.com/MrWong99/spitch/pkg/cachestore"
	"github.com/MrWong99/spitch/pkg/cachestore/memory"
	storemock "github.com/MrWong99/spitch/pkg/cachestore/mock"
	"github.com/MrWong99/spitch/pkg/cachestore/sqlite"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeClients is an in-memory Clients registry.
type fakeClients struct {
	mu          sync.Mutex
	controllers map[string]string
	rebinds     [][2]string
	claims      []string
}

func newFakeClients() *fakeClients {
	return &fakeClients{controllers: make(map[string]string)}
}

func (c *fakeClients) open(id, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controllers[id] = version
}

func (c *fakeClients) close(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.controllers, id)
}

func (c *fakeClients) Controller(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.controllers[id]
	return v, ok
}

func (c *fakeClients) ControlledBy(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.controllers {
		if v == version {
			n++
		}
	}
	return n
}

func (c *fakeClients) Rebind(from, to string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebinds = append(c.rebinds, [2]string{from, to})
	n := 0
	for id, v := range c.controllers {
		if v == from {
			c.controllers[id] = to
			n++
		}
	}
	return n
}

func (c *fakeClients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, version)
	n := 0
	for id, v := range c.controllers {
		if v != version {
			c.controllers[id] = version
			n++
		}
	}
	return n
}

var defaultResources = []string{"/", "/index.html", "/style.css"}

// newNet returns a fetcher serving every default resource plus main.js.
func newNet() *netmock.Fetcher {
	f := &netmock.Fetcher{}
	f.Set("/", 200, "root")
	f.Set("/index.html", 200, "<html>")
	f.Set("/style.css", 200, "body{}")
	f.Set("/main.js", 200, "network-js")
	f.Set("/app/main.js", 200, "network-app-js")
	return f
}

func def(version string, refs ...string) Definition {
	if len(refs) == 0 {
		refs = defaultResources
	}
	return Definition{Version: version, Resources: MustResourceSet(refs...)}
}

func get(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func fromClient(r *http.Request, id string) *http.Request {
	r.Header.Set(network.ClientHeader, id)
	return r
}

func mustRegister(t *testing.T, m *Manager, d Definition) {
	t.Helper()
	if err := m.Register(context.Background(), d); err != nil {
		t.Fatalf("Register(%s): %v", d.Version, err)
	}
}

func versions(t *testing.T, s cachestore.Store) []string {
	t.Helper()
	v, err := s.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRegister_FirstWorkerActivatesImmediately(t *testing.T) {
	t.Parallel()
	store := memory.New()
	m := New(store, newNet())

	mustRegister(t, m, def("v6"))

	snap := m.Snapshot()
	if snap.Active == nil || snap.Active.Version != "v6" || snap.Active.State != "active" {
		t.Fatalf("Active = %+v", snap.Active)
	}
	if snap.Installing != nil || snap.Waiting != nil {
		t.Fatalf("leftover workers: %+v", snap)
	}
	if m.ActiveVersion() != "v6" {
		t.Errorf("ActiveVersion = %q", m.ActiveVersion())
	}
}

func TestRegister_PopulatesEveryResource(t *testing.T) {
	t.Parallel()
	store := memory.New()
	m := New(store, newNet())
	mustRegister(t, m, def("v6"))

	for _, key := range defaultResources {
		resp, err := store.Match(context.Background(), "v6", key)
		if err != nil || resp == nil {
			t.Errorf("Match(v6, %q) = (%v, %v), want hit", key, resp, err)
		}
	}
	resp, _ := store.Match(context.Background(), "v6", "/style.css")
	if string(resp.Body) != "body{}" {
		t.Errorf("stored body = %q", resp.Body)
	}
}

func TestActivation_DeletesStaleVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	for _, v := range []string{"v1", "v3"} {
		if _, err := store.Open(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.PutAll(ctx, "v1", []cachestore.Response{{Key: "/style.css", Status: 200, Body: []byte("old")}}); err != nil {
		t.Fatal(err)
	}

	m := New(store, newNet())
	mustRegister(t, m, def("v6"))

	if got := versions(t, store); !slices.Equal(got, []string{"v6"}) {
		t.Fatalf("versions after activation = %v, want [v6]", got)
	}
	if resp, _ := store.Match(ctx, "v1", "/style.css"); resp != nil {
		t.Error("v1 entry survived activation")
	}
}

func TestInstallFailure_LeavesNoPartialVersion(t *testing.T) {
	t.Parallel()
	store := memory.New()
	net := newNet()
	net.Errs = map[string]error{"/style.css": errors.New("connection reset")}
	m := New(store, net)

	err := m.Register(context.Background(), def("v6"))
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if !errors.Is(err, network.ErrNetwork) {
		t.Errorf("err = %v, want network error wrapped", err)
	}
	if got := versions(t, store); len(got) != 0 {
		t.Fatalf("versions = %v, want none", got)
	}
	if snap := m.Snapshot(); snap.Active != nil || snap.Installing != nil || snap.Waiting != nil {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestInstallFailure_NonOKStatusFails(t *testing.T) {
	t.Parallel()
	store := memory.New()
	m := New(store, newNet())

	err := m.Register(context.Background(), def("v6", "/", "/missing.png"))
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if got := versions(t, store); len(got) != 0 {
		t.Fatalf("versions = %v, want none", got)
	}
}

func TestInstallFailure_KeepsActiveWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	net := newNet()
	m := New(store, net)
	mustRegister(t, m, def("v1"))

	net.Errs = map[string]error{"/index.html": errors.New("timeout")}
	if err := m.Register(ctx, def("v2")); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}

	if m.ActiveVersion() != "v1" {
		t.Fatalf("ActiveVersion = %q, want v1", m.ActiveVersion())
	}
	if got := versions(t, store); !slices.Equal(got, []string{"v1"}) {
		t.Fatalf("versions = %v, want [v1]", got)
	}
	net.Reset()
	res, err := m.Fetch(ctx, get("/style.css"))
	if err != nil || res.Source != SourceCache {
		t.Fatalf("Fetch after failed install = (%+v, %v), want cache hit", res, err)
	}
}

func TestInstallFailure_PutAllErrorCleansUp(t *testing.T) {
	t.Parallel()
	store := storemock.New()
	store.PutAllErr = errors.New("disk full")
	m := New(store, newNet())

	if err := m.Register(context.Background(), def("v6")); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if got := store.DeletedVersions(); !slices.Equal(got, []string{"v6"}) {
		t.Errorf("deleted = %v, want [v6]", got)
	}
}

func TestInstallFailure_PreexistingVersionNotDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storemock.New()
	if _, err := store.Open(ctx, "v6"); err != nil {
		t.Fatal(err)
	}
	net := newNet()
	net.Errs = map[string]error{"/": errors.New("refused")}
	m := New(store, net)

	if err := m.Register(ctx, def("v6")); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v", err)
	}
	if got := store.DeletedVersions(); len(got) != 0 {
		t.Errorf("deleted = %v, want nothing (version not created by this attempt)", got)
	}
}

func TestRestart_AdoptsStoredVersionWhenNetworkDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	first, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	mustRegister(t, New(first, newNet()), def("v6"))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	net := newNet()
	net.SetDown(true)
	m := New(store, net)

	mustRegister(t, m, def("v6"))
	if m.ActiveVersion() != "v6" {
		t.Fatalf("ActiveVersion = %q, want v6", m.ActiveVersion())
	}
	res, err := m.Fetch(ctx, get("/style.css"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || string(res.Body) != "body{}" {
		t.Errorf("Fetch = %s %q, want stored body{}", res.Source, res.Body)
	}
}

func TestRestart_IncompleteStoredVersionNotAdopted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	mustRegister(t, New(store, newNet()), def("v6", "/", "/index.html"))

	net := newNet()
	net.SetDown(true)
	m := New(store, net)

	if err := m.Register(ctx, def("v6")); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if m.ActiveVersion() != "" {
		t.Errorf("ActiveVersion = %q, want none", m.ActiveVersion())
	}
	if got := versions(t, store); !slices.Equal(got, []string{"v6"}) {
		t.Errorf("versions = %v, want stored v6 kept", got)
	}
}

func TestRegister_RejectsChangedContentUnderLiveVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := newFakeClients()
	store := memory.New()
	net := newNet()
	net.Set("/style.css", 200, "old")
	m := New(store, net, WithClients(clients))
	mustRegister(t, m, def("v6"))
	clients.open("tab-1", "v6")

	net.Set("/style.css", 200, "new")
	net.Set("/extra.css", 200, "extra")
	err := m.Register(ctx, def("v6", "/", "/index.html", "/style.css", "/extra.css"))
	if !errors.Is(err, ErrVersionReused) {
		t.Fatalf("err = %v, want ErrVersionReused", err)
	}

	if snap := m.Snapshot(); snap.Waiting != nil || snap.Installing != nil {
		t.Errorf("snapshot = %+v, want no new worker", snap)
	}
	res, err := m.Fetch(ctx, fromClient(get("/style.css"), "tab-1"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "old" {
		t.Errorf("body = %q, want old", res.Body)
	}
	if resp, _ := store.Match(ctx, "v6", "/extra.css"); resp != nil {
		t.Error("new resource written into the live version")
	}

	d := def("v6")
	d.ClaimClients = true
	if err := m.Register(ctx, d); !errors.Is(err, ErrVersionReused) {
		t.Errorf("routing change err = %v, want ErrVersionReused", err)
	}
	mustRegister(t, m, def("v7", "/", "/index.html", "/style.css", "/extra.css"))
}

func TestInstall_FetchesConcurrentlyWithinLimit(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	net := newNet()
	refs := []string{"/a", "/b", "/c", "/d", "/e", "/f"}
	for _, r := range refs {
		net.Set(r, 200, r)
	}
	net.Hook = func(context.Context, string) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	}
	m := New(memory.New(), net, WithInstallConcurrency(2))

	mustRegister(t, m, def("v6", refs...))
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if net.CallCount() != len(refs) {
		t.Errorf("fetches = %d, want %d", net.CallCount(), len(refs))
	}
}

func TestRegister_SameDefinitionIsNoop(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))
	calls := net.CallCount()

	mustRegister(t, m, def("v6", "/style.css", "/", "/index.html"))
	if net.CallCount() != calls {
		t.Errorf("re-registration fetched %d more resources", net.CallCount()-calls)
	}
}

func TestRegister_RejectsInvalidVersion(t *testing.T) {
	t.Parallel()
	m := New(memory.New(), newNet())
	if err := m.Register(context.Background(), Definition{Version: ""}); err == nil {
		t.Fatal("expected error for empty version")
	}
}

func TestWaiting_UntilClientsRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	clients := newFakeClients()
	m := New(store, newNet(), WithClients(clients))

	mustRegister(t, m, def("v1"))
	clients.open("tab-1", "v1")

	mustRegister(t, m, def("v2"))
	snap := m.Snapshot()
	if snap.Waiting == nil || snap.Waiting.Version != "v2" {
		t.Fatalf("Waiting = %+v, want v2", snap.Waiting)
	}
	if snap.Active.Version != "v1" || snap.ControlledClients != 1 {
		t.Fatalf("Active = %+v controlled=%d", snap.Active, snap.ControlledClients)
	}
	if got := versions(t, store); !slices.Equal(got, []string{"v1", "v2"}) {
		t.Fatalf("versions while waiting = %v", got)
	}

	// Still held.
	if err := m.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if m.ActiveVersion() != "v1" {
		t.Fatal("activated while a client was still controlled")
	}

	clients.close("tab-1")
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if m.ActiveVersion() != "v2" {
		t.Fatalf("ActiveVersion = %q, want v2", m.ActiveVersion())
	}
	if got := versions(t, store); !slices.Equal(got, []string{"v2"}) {
		t.Fatalf("versions = %v, want [v2]", got)
	}
}

func TestSkipWaiting_ActivatesWaitingWorkerAndRebinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := newFakeClients()
	m := New(memory.New(), newNet(), WithClients(clients))

	mustRegister(t, m, def("v1"))
	clients.open("tab-1", "v1")
	mustRegister(t, m, def("v2"))

	if err := m.SkipWaiting(ctx); err != nil {
		t.Fatalf("SkipWaiting: %v", err)
	}
	if m.ActiveVersion() != "v2" {
		t.Fatalf("ActiveVersion = %q, want v2", m.ActiveVersion())
	}
	if v, _ := clients.Controller("tab-1"); v != "v2" {
		t.Errorf("tab-1 controller = %q, want v2", v)
	}
}

func TestSkipWaiting_FromDefinition(t *testing.T) {
	t.Parallel()
	clients := newFakeClients()
	m := New(memory.New(), newNet(), WithClients(clients))
	mustRegister(t, m, def("v1"))
	clients.open("tab-1", "v1")

	d := def("v2")
	d.SkipWaiting = true
	mustRegister(t, m, d)
	if m.ActiveVersion() != "v2" {
		t.Fatalf("ActiveVersion = %q, want v2", m.ActiveVersion())
	}
}

func TestSkipWaiting_DuringInstall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := newFakeClients()
	net := newNet()
	m := New(memory.New(), net, WithClients(clients))
	mustRegister(t, m, def("v1"))
	clients.open("tab-1", "v1")

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	net.Hook = func(context.Context, string) {
		started <- struct{}{}
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- m.Register(ctx, def("v2")) }()
	<-started

	if err := m.SkipWaiting(ctx); err != nil {
		t.Fatalf("SkipWaiting during install: %v", err)
	}
	if snap := m.Snapshot(); snap.Installing == nil || !snap.Installing.SkipWaiting {
		t.Fatalf("Installing = %+v, want skip-waiting flag", snap.Installing)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Register: %v", err)
	}
	if m.ActiveVersion() != "v2" {
		t.Fatalf("ActiveVersion = %q, want v2", m.ActiveVersion())
	}
}

func TestSkipWaiting_NoWorker(t *testing.T) {
	t.Parallel()
	m := New(memory.New(), newNet())
	if err := m.SkipWaiting(context.Background()); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker", err)
	}
}

func TestClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := newFakeClients()
	m := New(memory.New(), newNet(), WithClients(clients))

	if _, err := m.Claim(ctx); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Claim without worker = %v, want ErrNoWorker", err)
	}

	clients.open("tab-1", "")
	mustRegister(t, m, def("v1"))
	n, err := m.Claim(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Claim = (%d, %v), want (1, nil)", n, err)
	}
	if v, _ := clients.Controller("tab-1"); v != "v1" {
		t.Errorf("controller = %q, want v1", v)
	}
}

func TestActivation_ClaimClientsFromDefinition(t *testing.T) {
	t.Parallel()
	clients := newFakeClients()
	clients.open("tab-1", "")
	m := New(memory.New(), newNet(), WithClients(clients))

	d := def("v1")
	d.ClaimClients = true
	mustRegister(t, m, d)

	if !slices.Equal(clients.claims, []string{"v1"}) {
		t.Errorf("claims = %v, want [v1]", clients.claims)
	}
	if v, _ := clients.Controller("tab-1"); v != "v1" {
		t.Errorf("controller = %q, want v1", v)
	}
}

func TestActivation_VersionListErrorKeepsWaiting(t *testing.T) {
	t.Parallel()
	store := storemock.New()
	store.VersionsErr = errors.New("db down")
	m := New(store, newNet())

	if err := m.Register(context.Background(), def("v1")); err == nil {
		t.Fatal("expected activation error")
	}
	snap := m.Snapshot()
	if snap.Active != nil || snap.Waiting == nil || snap.Waiting.State != "waiting" {
		t.Fatalf("snapshot = %+v, want v1 waiting", snap)
	}
}

func TestActivation_EvictErrorStillActivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storemock.New()
	if _, err := store.Open(ctx, "v0"); err != nil {
		t.Fatal(err)
	}
	store.DeleteErr = errors.New("locked")
	m := New(store, newNet())

	err := m.Register(ctx, def("v1"))
	if err == nil {
		t.Fatal("expected eviction error to be reported")
	}
	if m.ActiveVersion() != "v1" {
		t.Fatalf("ActiveVersion = %q, want v1", m.ActiveVersion())
	}
}

func TestSubscribe_ReportsTransitions(t *testing.T) {
	t.Parallel()
	m := New(memory.New(), newNet())
	events, cancel := m.Subscribe()

	mustRegister(t, m, def("v1"))
	cancel()

	var states []State
	for e := range events {
		if e.Version != "v1" {
			t.Errorf("event version = %q", e.Version)
		}
		states = append(states, e.State)
	}
	want := []State{StateInstalling, StateWaiting, StateActivating, StateActive}
	if !slices.Equal(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestSubscribe_FailedInstallCarriesError(t *testing.T) {
	t.Parallel()
	net := newNet()
	net.SetDown(true)
	m := New(memory.New(), net)
	events, cancel := m.Subscribe()
	defer cancel()

	_ = m.Register(context.Background(), def("v1"))
	<-events // installing
	e := <-events
	if e.State != StateRedundant || !errors.Is(e.Err, ErrInstallFailed) {
		t.Fatalf("event = %+v, want redundant with install error", e)
	}
}

// ---------------------------------------------------------------------------
// Fetch routing
// ---------------------------------------------------------------------------

func TestFetch_AlwaysFreshPrefersNetwork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	net := newNet()
	m := New(store, net)
	mustRegister(t, m, def("v6", "/", "/main.js"))

	// Make the stored copy differ from what the network now serves.
	if err := store.PutAll(ctx, "v6", []cachestore.Response{{Key: "/main.js", Status: 200, Body: []byte("stored-js")}}); err != nil {
		t.Fatal(err)
	}

	res, err := m.Fetch(ctx, get("/main.js"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "network-js" || res.Source != SourceNetwork || res.Route != RouteNetworkFirst {
		t.Fatalf("res = %q from %s via %s, want network-js from network", res.Body, res.Source, res.Route)
	}
}

func TestFetch_AlwaysFreshReturnsErrorStatusAsIs(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6", "/", "/main.js"))
	net.Set("/main.js", 503, "unavailable")

	res, err := m.Fetch(context.Background(), get("/main.js"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != 503 || res.Source != SourceNetwork {
		t.Fatalf("res = %d from %s, want 503 from network", res.Status, res.Source)
	}
}

func TestFetch_AlwaysFreshFallsBackToStore(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6", "/", "/main.js"))
	net.SetDown(true)

	res, err := m.Fetch(context.Background(), get("/main.js"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "network-js" || res.Source != SourceCache || !res.Fallback {
		t.Fatalf("res = %q from %s fallback=%v, want stored copy", res.Body, res.Source, res.Fallback)
	}
}

func TestFetch_AlwaysFreshNetworkDownAndMissFails(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))
	net.SetDown(true)

	_, err := m.Fetch(context.Background(), get("/app/main.js"))
	if !errors.Is(err, network.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))
	net.Reset()

	res, err := m.Fetch(context.Background(), get("/style.css"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || string(res.Body) != "body{}" || res.Version != "v6" {
		t.Fatalf("res = %+v", res)
	}
	if net.CallCount() != 0 {
		t.Fatalf("network calls = %d, want 0", net.CallCount())
	}
}

func TestFetch_CacheMissFetchesOnceWithoutWriteBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	net := newNet()
	net.Set("/late.png", 200, "png")
	m := New(store, net)
	mustRegister(t, m, def("v6"))
	net.Reset()

	res, err := m.Fetch(ctx, get("/late.png"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Body) != "png" || res.Status != 200 {
		t.Fatalf("res = %+v", res)
	}
	if net.CallsFor("/late.png") != 1 {
		t.Fatalf("network calls = %d, want 1", net.CallsFor("/late.png"))
	}
	if cached, _ := store.Match(ctx, "v6", "/late.png"); cached != nil {
		t.Fatal("network response was written back to the store")
	}
}

func TestFetch_CacheMissReturnsNetworkResultUnmodified(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))

	res, err := m.Fetch(context.Background(), get("/nope"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.Status)
	}
}

func TestFetch_CacheMissNetworkDownFails(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))
	net.SetDown(true)

	if _, err := m.Fetch(context.Background(), get("/late.png")); !errors.Is(err, network.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	// Hits still work offline.
	if res, err := m.Fetch(context.Background(), get("/index.html")); err != nil || res.Source != SourceCache {
		t.Fatalf("offline hit = (%+v, %v)", res, err)
	}
}

func TestFetch_StoreErrorTreatedAsMiss(t *testing.T) {
	t.Parallel()
	store := storemock.New()
	net := newNet()
	m := New(store, net)
	mustRegister(t, m, def("v6"))
	store.SetMatchErr(errors.New("io error"))
	net.Reset()

	res, err := m.Fetch(context.Background(), get("/style.css"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceNetwork || net.CallCount() != 1 {
		t.Fatalf("res from %s with %d calls, want one network call", res.Source, net.CallCount())
	}
}

func TestFetch_NonGETGoesToNetwork(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v6"))
	net.Reset()
	net.Set("/style.css", 405, "")

	res, err := m.Fetch(context.Background(), httptest.NewRequest(http.MethodPost, "/style.css", nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Route != RoutePassthrough || res.Source != SourceNetwork || net.CallCount() != 1 {
		t.Fatalf("res = %+v calls=%d", res, net.CallCount())
	}
}

func TestFetch_NoWorkerGoesToNetwork(t *testing.T) {
	t.Parallel()
	net := newNet()
	m := New(memory.New(), net)

	res, err := m.Fetch(context.Background(), get("/style.css"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Route != RoutePassthrough || res.Version != "" || string(res.Body) != "body{}" {
		t.Fatalf("res = %+v", res)
	}
}

func TestFetch_UncontrolledClientGoesToNetwork(t *testing.T) {
	t.Parallel()
	clients := newFakeClients()
	net := newNet()
	m := New(memory.New(), net, WithClients(clients))
	clients.open("tab-1", "")
	mustRegister(t, m, def("v6"))
	net.Reset()

	res, err := m.Fetch(context.Background(), fromClient(get("/style.css"), "tab-1"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Route != RoutePassthrough || net.CallCount() != 1 {
		t.Fatalf("uncontrolled client routed %s with %d calls", res.Route, net.CallCount())
	}

	// After claiming, the same client is served from the cache.
	if _, err := m.Claim(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err = m.Fetch(context.Background(), fromClient(get("/style.css"), "tab-1"))
	if err != nil || res.Source != SourceCache {
		t.Fatalf("claimed client = (%+v, %v), want cache hit", res, err)
	}
}

func TestFetch_NotBlockedByInstall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	net := newNet()
	m := New(memory.New(), net)
	mustRegister(t, m, def("v1"))

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	net.Hook = func(_ context.Context, key string) {
		if key == "/index.html" {
			started <- struct{}{}
			<-release
		}
	}
	done := make(chan error, 1)
	go func() { done <- m.Register(ctx, def("v2")) }()
	<-started

	fetched := make(chan error, 1)
	go func() {
		_, err := m.Fetch(ctx, get("/style.css"))
		fetched <- err
	}()
	select {
	case err := <-fetched:
		if err != nil {
			t.Fatalf("Fetch during install: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch blocked by install")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// The worked example: resources "/", "/index.html", "/style.css" under v6
// with a leftover v1.
func TestExample_V6ReplacesV1(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	if _, err := store.Open(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	net := newNet()
	m := New(store, net)
	mustRegister(t, m, def("v6"))

	if resp, _ := store.Match(ctx, "v6", "/style.css"); resp == nil {
		t.Error(`lookup("/style.css") under v6 missed`)
	}
	net.SetDown(true)
	if _, err := m.Fetch(ctx, get("/app/main.js")); err == nil {
		t.Error("/app/main.js with network down and no stored entry should fail")
	}
	if got := versions(t, store); slices.Contains(got, "v1") {
		t.Errorf("v1 still present: %v", got)
	}
}
