package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CacheChanged is true when the worker definition differs. Applying it
	// registers a new worker, which installs and activates on its own
	// schedule.
	CacheChanged bool

	// VersionReused is true when the definition changed but cache.version did
	// not. Such a change cannot be applied: stored content of a live version
	// is never rewritten, so the version has to be bumped.
	VersionReused bool

	// RestartRequired lists the changed sections that are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CacheChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and classifies what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.CacheChanged = cacheChanged(old, new)
	d.VersionReused = d.CacheChanged && old.Cache.Version == new.Cache.Version

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Cache.InstallConcurrency != new.Cache.InstallConcurrency {
		d.RestartRequired = append(d.RestartRequired, "cache.install_concurrency")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Network, new.Network) {
		d.RestartRequired = append(d.RestartRequired, "network")
	}
	if !reflect.DeepEqual(old.Clients, new.Clients) {
		d.RestartRequired = append(d.RestartRequired, "clients")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// cacheChanged compares worker definitions so that reordering resources or
// spelling out the default suffix list is not a change.
func cacheChanged(old, new *Config) bool {
	od, err := old.Definition()
	if err != nil {
		return true
	}
	nd, err := new.Definition()
	if err != nil {
		return true
	}
	return !od.Equal(nd)
}
