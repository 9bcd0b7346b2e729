// Package config provides the configuration schema, loader and file watcher
// for the spitch offline gateway.
package config

import (
	"time"

	"github.com/MrWong99/spitch/internal/offline"
	"github.com/MrWong99/spitch/internal/resilience"
)

// LogLevel controls log verbosity for the spitch server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreBackend selects the [cachestore.Store] implementation.
//
// [cachestore.Store]: github.com/MrWong99/spitch/pkg/cachestore.Store
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// DefaultResources is the resource set pre-cached when cache.resources is
// omitted.
var DefaultResources = []string{
	"/",
	"/index.html",
	"/landing.html",
	"/manifest.json",
	"/style.css",
	"/main.js",
	"/assets/img/spitch.ico",
	"/assets/img/spitch-192.png",
	"/assets/img/spitch-512.png",
}

// Config is the root configuration structure for spitch.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Network   NetworkConfig   `yaml:"network"`
	Clients   ClientsConfig   `yaml:"clients"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadHeaderTimeout bounds reading request headers. Default: 10s.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CacheConfig declares the current cache generation and how requests are
// routed. A change here is hot-reloaded as a new worker registration.
type CacheConfig struct {
	// Version names the current cache generation, e.g. "spitch-cache-v6".
	Version string `yaml:"version"`

	// Resources are pre-cached at install. Default: [DefaultResources].
	Resources []string `yaml:"resources"`

	// AlwaysFreshSuffixes selects network-first paths. Omitted means ".js";
	// an explicit empty list disables network-first routing.
	AlwaysFreshSuffixes []string `yaml:"always_fresh_suffixes"`

	// SkipWaiting activates a new version without waiting for open clients to
	// go away.
	SkipWaiting bool `yaml:"skip_waiting"`

	// ClaimClients binds every open client to a freshly activated version.
	ClaimClients bool `yaml:"claim_clients"`

	// InstallConcurrency limits parallel install fetches. Default: 8.
	InstallConcurrency int `yaml:"install_concurrency"`
}

// StoreConfig selects and configures the cache store.
type StoreConfig struct {
	// Backend is one of memory, sqlite or postgres. Default: memory.
	Backend StoreBackend `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// OriginConfig is one upstream base URL.
type OriginConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NetworkConfig configures upstream fetching.
type NetworkConfig struct {
	// Origins are tried in order; later entries are failover mirrors.
	Origins []OriginConfig `yaml:"origins"`

	// Timeout bounds a single origin attempt. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// SOCKSProxy routes origin traffic through a SOCKS5 proxy (host:port).
	SOCKSProxy string `yaml:"socks_proxy"`

	// MaxBodyBytes caps buffered bodies. Default: 32 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Breaker tunes the per-origin circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors [resilience.CircuitBreakerConfig] in YAML form.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CircuitBreaker converts b for the resilience package. Zero fields take the
// breaker defaults.
func (b BreakerConfig) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

// ClientsConfig configures the client websocket channel.
type ClientsConfig struct {
	// PingInterval is how often idle client sockets are pinged. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// OriginPatterns are extra host patterns allowed to open the websocket
	// cross-origin.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// TelemetryConfig names the service in traces and metrics.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Definition builds the worker definition described by the cache section.
func (c *Config) Definition() (offline.Definition, error) {
	rs, err := offline.NewResourceSet(c.Cache.Resources...)
	if err != nil {
		return offline.Definition{}, err
	}
	return offline.Definition{
		Version:             c.Cache.Version,
		Resources:           rs,
		AlwaysFreshSuffixes: c.Cache.AlwaysFreshSuffixes,
		SkipWaiting:         c.Cache.SkipWaiting,
		ClaimClients:        c.Cache.ClaimClients,
	}, nil
}
