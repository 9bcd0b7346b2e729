package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/spitch/internal/offline"
)

const (
	defaultListenAddr        = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultInstallLimit      = 8
)

// envOverrides holds raw environment values that take precedence over the
// YAML file. Unset variables leave the file value untouched.
type envOverrides struct {
	ListenAddr   string   `env:"SPITCH_LISTEN_ADDR"`
	LogLevel     string   `env:"SPITCH_LOG_LEVEL"`
	CacheVersion string   `env:"SPITCH_CACHE_VERSION"`
	SkipWaiting  *bool    `env:"SPITCH_SKIP_WAITING"`
	ClaimClients *bool    `env:"SPITCH_CLAIM_CLIENTS"`
	StoreBackend string   `env:"SPITCH_STORE_BACKEND"`
	SQLitePath   string   `env:"SPITCH_SQLITE_PATH"`
	PostgresDSN  string   `env:"SPITCH_POSTGRES_DSN"`
	Origins      []string `env:"SPITCH_ORIGINS" envSeparator:","`
	SOCKSProxy   string   `env:"SPITCH_SOCKS_PROXY"`
	ServiceName  string   `env:"SPITCH_SERVICE_NAME"`
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies SPITCH_* environment
// overrides and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays SPITCH_* environment variables onto cfg.
// SPITCH_ORIGINS is a comma-separated URL list that replaces the configured
// origins.
func ApplyEnv(cfg *Config) error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	setString(&cfg.Server.ListenAddr, raw.ListenAddr)
	if raw.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
	}
	setString(&cfg.Cache.Version, raw.CacheVersion)
	if raw.SkipWaiting != nil {
		cfg.Cache.SkipWaiting = *raw.SkipWaiting
	}
	if raw.ClaimClients != nil {
		cfg.Cache.ClaimClients = *raw.ClaimClients
	}
	if raw.StoreBackend != "" {
		cfg.Store.Backend = StoreBackend(strings.TrimSpace(raw.StoreBackend))
	}
	setString(&cfg.Store.SQLitePath, raw.SQLitePath)
	setString(&cfg.Store.PostgresDSN, raw.PostgresDSN)
	setString(&cfg.Network.SOCKSProxy, raw.SOCKSProxy)
	setString(&cfg.Telemetry.ServiceName, raw.ServiceName)

	if origins := trimCSV(raw.Origins); len(origins) > 0 {
		cfg.Network.Origins = cfg.Network.Origins[:0]
		for _, u := range origins {
			cfg.Network.Origins = append(cfg.Network.Origins, OriginConfig{URL: u})
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Cache.Resources == nil {
		cfg.Cache.Resources = append([]string(nil), DefaultResources...)
	}
	if cfg.Cache.InstallConcurrency == 0 {
		cfg.Cache.InstallConcurrency = defaultInstallLimit
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "spitch"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, errors.New("server.read_header_timeout must not be negative"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Cache
	if err := offline.ValidateVersion(cfg.Cache.Version); err != nil {
		errs = append(errs, fmt.Errorf("cache.version: %w", err))
	}
	if len(cfg.Cache.Resources) == 0 {
		errs = append(errs, errors.New("cache.resources must list at least one resource"))
	} else if _, err := offline.NewResourceSet(cfg.Cache.Resources...); err != nil {
		errs = append(errs, fmt.Errorf("cache.resources: %w", err))
	}
	for i, s := range cfg.Cache.AlwaysFreshSuffixes {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("cache.always_fresh_suffixes[%d] is empty", i))
		}
	}
	if cfg.Cache.InstallConcurrency < 0 {
		errs = append(errs, errors.New("cache.install_concurrency must not be negative"))
	}

	// Store
	switch {
	case cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	case cfg.Store.Backend == StoreSQLite && cfg.Store.SQLitePath == "":
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	case cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	}

	// Network
	if len(cfg.Network.Origins) == 0 {
		errs = append(errs, errors.New("network.origins must list at least one origin"))
	}
	names := make(map[string]int, len(cfg.Network.Origins))
	for i, o := range cfg.Network.Origins {
		u, err := url.Parse(o.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("network.origins[%d].url %q is not an absolute http(s) URL", i, o.URL))
			continue
		}
		name := o.Name
		if name == "" {
			name = u.Host
		}
		if prev, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("network.origins[%d]: name %q duplicates origins[%d]", i, name, prev))
			continue
		}
		names[name] = i
	}
	if cfg.Network.Timeout < 0 {
		errs = append(errs, errors.New("network.timeout must not be negative"))
	}
	if cfg.Network.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("network.max_body_bytes must not be negative"))
	}
	if b := cfg.Network.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("network.breaker values must not be negative"))
	}

	// Clients
	if cfg.Clients.PingInterval < 0 {
		errs = append(errs, errors.New("clients.ping_interval must not be negative"))
	}

	return errors.Join(errs...)
}
