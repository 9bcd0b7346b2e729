package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/spitch/internal/app"
	"github.com/MrWong99/spitch/internal/config"
	"github.com/MrWong99/spitch/internal/network"
	netmock "github.com/MrWong99/spitch/internal/network/mock"
	"github.com/MrWong99/spitch/pkg/cachestore/memory"
)

// testConfig returns a minimal valid config with a three-resource cache.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Cache: config.CacheConfig{
			Version:   "v6",
			Resources: []string{"/", "/index.html", "/style.css"},
		},
		Network: config.NetworkConfig{
			Origins: []config.OriginConfig{{URL: "http://origin.internal"}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testFetcher() *netmock.Fetcher {
	f := &netmock.Fetcher{}
	f.Set("/", http.StatusOK, "root")
	f.Set("/index.html", http.StatusOK, "index")
	f.Set("/style.css", http.StatusOK, "body{}")
	return f
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	application, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return application
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	application := newApp(t, testConfig(), app.WithStore(memory.New()), app.WithFetcher(testFetcher()))
	if application.Manager() == nil {
		t.Fatal("Manager() is nil")
	}
	if v := application.Manager().ActiveVersion(); v != "" {
		t.Errorf("ActiveVersion before Apply = %q, want empty", v)
	}
}

func TestNew_DefaultsToMemoryStoreAndHTTPOrigins(t *testing.T) {
	t.Parallel()
	newApp(t, testConfig())
}

func TestNew_InvalidOrigin(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Network.Origins = []config.OriginConfig{{URL: "ftp://nope"}}
	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid origin")
	}
}

func TestNew_SQLiteStore(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: config.StoreSQLite, SQLitePath: t.TempDir() + "/cache.db"}
	application := newApp(t, cfg, app.WithFetcher(testFetcher()))

	if err := application.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v := application.Manager().ActiveVersion(); v != "v6" {
		t.Errorf("ActiveVersion = %q, want v6", v)
	}
}

func TestApply_ServesFromCacheThroughHandler(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher()
	application := newApp(t, testConfig(), app.WithStore(memory.New()), app.WithFetcher(fetcher))

	if err := application.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)

	fetcher.Reset()
	fetcher.SetDown(true)

	resp, err := http.Get(srv.URL + "/style.css")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "body{}" {
		t.Errorf("GET /style.css = %d %q", resp.StatusCode, body)
	}
	if got := fetcher.CallCount(); got != 0 {
		t.Errorf("network calls = %d, want 0 for a cache hit", got)
	}
}

func TestHandler_ProbesAndMetrics(t *testing.T) {
	t.Parallel()
	application := newApp(t, testConfig(), app.WithStore(memory.New()), app.WithFetcher(testFetcher()))
	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable}, // no active worker yet
		{"/metrics", http.StatusOK},
		{"/_spitch/state", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}

	if err := application.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz after activation = %d, want 200", resp.StatusCode)
	}
}

func TestUpdate_UsesReloader(t *testing.T) {
	t.Parallel()
	next := testConfig()
	next.Cache.Version = "v7"

	fetcher := testFetcher()
	application := newApp(t, testConfig(),
		app.WithStore(memory.New()),
		app.WithFetcher(fetcher),
		app.WithReloader(func(context.Context) (*config.Config, error) { return next, nil }),
	)
	if err := application.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/_spitch/update", "application/json", nil)
	if err != nil {
		t.Fatalf("POST update: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("POST update = %d", resp.StatusCode)
	}
	if v := application.Manager().ActiveVersion(); v != "v7" {
		t.Errorf("ActiveVersion = %q, want v7 (no clients hold the old version)", v)
	}
}

func TestUpdate_ReloaderError(t *testing.T) {
	t.Parallel()
	want := errors.New("config file is invalid")
	application := newApp(t, testConfig(),
		app.WithStore(memory.New()),
		app.WithFetcher(testFetcher()),
		app.WithReloader(func(context.Context) (*config.Config, error) { return nil, want }),
	)
	if err := application.Update(context.Background()); !errors.Is(err, want) {
		t.Errorf("Update err = %v, want %v", err, want)
	}
}

func TestApply_InstallFailureKeepsServing(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher()
	fetcher.Errs = map[string]error{"/style.css": network.ErrNetwork}
	application := newApp(t, testConfig(), app.WithStore(memory.New()), app.WithFetcher(fetcher))

	if err := application.Apply(context.Background(), testConfig()); err == nil {
		t.Fatal("expected install error")
	}
	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("passthrough GET = %d, want 200", resp.StatusCode)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	application, err := app.New(context.Background(), testConfig(),
		app.WithStore(memory.New()), app.WithFetcher(testFetcher()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Wait for the listener and the initial install.
	deadline := time.Now().Add(5 * time.Second)
	for application.Addr() == nil || application.Manager().ActiveVersion() != "v6" {
		if time.Now().After(deadline) {
			t.Fatal("app did not start and activate in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + application.Addr().String() + "/_spitch/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	var state struct {
		Active *struct {
			Version string `json:"version"`
		} `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	resp.Body.Close()
	if state.Active == nil || state.Active.Version != "v6" {
		t.Errorf("state.active = %+v", state.Active)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
