// Package observe provides application-wide observability primitives for the
// spitch cache gateway: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler]. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all spitch metrics.
const meterName = "github.com/MrWong99/spitch"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// FetchDuration tracks end-to-end fetch interception latency. Attributes:
	//   attribute.String("route", ...), attribute.String("source", ...)
	FetchDuration metric.Float64Histogram

	// NetworkDuration tracks origin round-trips. Attributes:
	//   attribute.String("origin", ...)
	NetworkDuration metric.Float64Histogram

	// InstallDuration tracks how long populating a cache version took.
	InstallDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts store lookups by result ("hit" or "miss").
	CacheLookups metric.Int64Counter

	// NetworkErrors counts fetch-level failures per origin.
	NetworkErrors metric.Int64Counter

	// Installs counts install attempts by version and status.
	Installs metric.Int64Counter

	// Activations counts completed activations by version.
	Activations metric.Int64Counter

	// EvictedVersions counts stale cache versions deleted during activation.
	EvictedVersions metric.Int64Counter

	// --- Gauges ---

	// ConnectedClients tracks open application instances on the client
	// channel.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for static
// asset delivery: sub-millisecond cache hits up to slow origin fetches.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FetchDuration, err = m.Float64Histogram("spitch.fetch.duration",
		metric.WithDescription("Latency of fetch interception by route and response source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NetworkDuration, err = m.Float64Histogram("spitch.network.duration",
		metric.WithDescription("Latency of origin fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InstallDuration, err = m.Float64Histogram("spitch.install.duration",
		metric.WithDescription("Time taken to populate a cache version."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CacheLookups, err = m.Int64Counter("spitch.cache.lookups",
		metric.WithDescription("Store lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.NetworkErrors, err = m.Int64Counter("spitch.network.errors",
		metric.WithDescription("Fetch-level network failures by origin."),
	); err != nil {
		return nil, err
	}
	if met.Installs, err = m.Int64Counter("spitch.installs",
		metric.WithDescription("Install attempts by version and status."),
	); err != nil {
		return nil, err
	}
	if met.Activations, err = m.Int64Counter("spitch.activations",
		metric.WithDescription("Completed activations by version."),
	); err != nil {
		return nil, err
	}
	if met.EvictedVersions, err = m.Int64Counter("spitch.evicted_versions",
		metric.WithDescription("Stale cache versions deleted during activation."),
	); err != nil {
		return nil, err
	}

	if met.ConnectedClients, err = m.Int64UpDownCounter("spitch.connected_clients",
		metric.WithDescription("Open application instances on the client channel."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("spitch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFetch records one fetch interception.
func (m *Metrics) RecordFetch(ctx context.Context, route, source string, d time.Duration) {
	m.FetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("source", source),
		),
	)
}

// RecordLookup records a store lookup outcome.
func (m *Metrics) RecordLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordNetwork records an origin round-trip and, when err is non-nil, a
// network error.
func (m *Metrics) RecordNetwork(ctx context.Context, origin string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("origin", origin))
	m.NetworkDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.NetworkErrors.Add(ctx, 1, attrs)
	}
}

// RecordInstall records an install attempt.
func (m *Metrics) RecordInstall(ctx context.Context, version, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("status", status),
	)
	m.Installs.Add(ctx, 1, attrs)
	m.InstallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordActivation records a completed activation and the number of stale
// versions it deleted.
func (m *Metrics) RecordActivation(ctx context.Context, version string, evicted int) {
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("version", version)))
	if evicted > 0 {
		m.EvictedVersions.Add(ctx, int64(evicted))
	}
}
