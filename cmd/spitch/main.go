// Command spitch is the offline-cache gateway: it fronts the web app's
// origins, pre-caches a versioned resource set and serves it when the
// network is unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/spitch/internal/app"
	"github.com/MrWong99/spitch/internal/config"
	"github.com/MrWong99/spitch/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "spitch.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with SPITCH_* overrides")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "spitch: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "spitch: config file %q not found; copy configs/spitch.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "spitch: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("spitch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"cache_version", cfg.Cache.Version,
		"store", cfg.Store.Backend,
		"origins", len(cfg.Network.Origins),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// The app is published once built; changes seen before that only adjust
	// the log level.
	var current atomic.Pointer[app.App]
	var opts []app.Option
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyChange(ctx, &level, current.Load(), old, new)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		opts = append(opts, app.WithReloader(func(context.Context) (*config.Config, error) {
			return watcher.Reload()
		}))
	} else {
		opts = append(opts, app.WithReloader(func(context.Context) (*config.Config, error) {
			return config.Load(*configPath)
		}))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	current.Store(application)

	slog.Info("server ready; press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// applyChange hot-applies what can change at runtime and warns about the
// rest.
func applyChange(ctx context.Context, level *slog.LevelVar, application *app.App, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	if d.VersionReused {
		slog.Warn("cache definition changed without a new cache.version; bump the version to apply it", "version", new.Cache.Version)
		return
	}
	if d.CacheChanged && application != nil {
		slog.Info("cache definition changed, registering", "version", new.Cache.Version)
		if err := application.Apply(ctx, new); err != nil {
			slog.Error("failed to apply cache definition", "version", new.Cache.Version, "err", err)
		}
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
