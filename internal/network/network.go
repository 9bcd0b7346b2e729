// Package network fetches resources from the upstream origins that serve the
// web app.
//
// A [Client] holds one or more origins in registration order. Each origin has
// its own circuit breaker; when the primary fails with a fetch-level error the
// request is replayed against the next healthy mirror. HTTP statuses, 4xx and
// 5xx included, are never fetch-level errors and are returned as-is.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"github.com/MrWong99/spitch/internal/observe"
	"github.com/MrWong99/spitch/internal/resilience"
	"github.com/MrWong99/spitch/pkg/cachestore"
)

// ErrNetwork marks fetch-level failures: the origin could not be reached, the
// connection broke, the timeout elapsed or every origin's breaker is open.
// Responses with error statuses are not wrapped in ErrNetwork.
var ErrNetwork = errors.New("network: fetch failed")

// ErrBodyTooLarge is returned when a request or response body exceeds
// [Config.MaxBodyBytes]. It is wrapped together with [ErrNetwork].
var ErrBodyTooLarge = errors.New("network: body too large")

// ClientHeader carries the application instance ID. It is consumed by the
// gateway and never forwarded upstream.
const ClientHeader = "X-Spitch-Client"

// Fetcher is the network dependency of the offline cache manager.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cachestore.Response, error)
}

// Origin is one upstream base URL.
type Origin struct {
	Name string
	URL  string
}

// Config configures a [Client].
type Config struct {
	// Origins are tried in order. At least one is required.
	Origins []Origin

	// Timeout bounds a single origin attempt. Default: 30s.
	Timeout time.Duration

	// SOCKSProxy, when set, routes all origin traffic through a SOCKS5 proxy
	// at this host:port.
	SOCKSProxy string

	// MaxBodyBytes caps buffered request and response bodies. Default: 32 MiB.
	MaxBodyBytes int64

	// CircuitBreaker tunes the per-origin breakers.
	CircuitBreaker resilience.CircuitBreakerConfig
}

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 32 << 20
)

// Option configures optional [Client] dependencies.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records per-origin latency and errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the HTTP implementation of [Fetcher]. It is safe for concurrent
// use.
type Client struct {
	origins *resilience.FallbackGroup[*url.URL]
	http    *http.Client
	timeout time.Duration
	maxBody int64
	metrics *observe.Metrics
}

var _ Fetcher = (*Client)(nil)

// New validates cfg and builds a [Client].
func New(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.Origins) == 0 {
		return nil, errors.New("network: at least one origin is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	var group *resilience.FallbackGroup[*url.URL]
	for i, o := range cfg.Origins {
		base, err := url.Parse(o.URL)
		if err != nil {
			return nil, fmt.Errorf("network: origin %d: %w", i, err)
		}
		if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
			return nil, fmt.Errorf("network: origin %d: %q is not an absolute http(s) URL", i, o.URL)
		}
		name := o.Name
		if name == "" {
			name = base.Host
		}
		if group == nil {
			group = resilience.NewFallbackGroup(base, name, resilience.FallbackConfig{CircuitBreaker: cfg.CircuitBreaker})
		} else {
			group.AddFallback(name, base)
		}
	}

	c := &Client{
		origins: group,
		timeout: cfg.Timeout,
		maxBody: cfg.MaxBodyBytes,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		hc, err := newHTTPClient(cfg.SOCKSProxy)
		if err != nil {
			return nil, err
		}
		c.http = hc
	}
	return c, nil
}

// newHTTPClient builds the default client, dialling through a SOCKS5 proxy
// when addr is non-empty. Redirects are returned to the caller unfollowed so
// that the browser sees them.
func newHTTPClient(socksAddr string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("network: socks5 dialer: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Origins reports the breaker state of each origin in failover order.
func (c *Client) Origins() []resilience.EntryState {
	return c.origins.States()
}

// Fetch forwards req to the first healthy origin and returns the fully
// buffered response. The request body, if any, is buffered once so it can be
// replayed against mirrors.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*cachestore.Response, error) {
	key := cachestore.Key(req.URL)

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := readLimited(req.Body, c.maxBody)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: read request body: %w", ErrNetwork, req.Method, key, err)
		}
		body = b
	}

	resp, err := resilience.ExecuteWithResult(c.origins, func(name string, base *url.URL) (*cachestore.Response, error) {
		return c.attempt(ctx, name, base, req, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, key, err)
	}
	resp.Key = key
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, name string, base *url.URL, in *http.Request, body []byte) (resp *cachestore.Response, err error) {
	ctx, span := observe.StartSpan(ctx, "network.attempt", trace.WithAttributes(
		attribute.String("spitch.origin", name),
		attribute.String("http.method", in.Method),
	))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordNetwork(ctx, name, time.Since(start), err)
		}
	}()

	// The caller's deadline or cancellation says nothing about the origin's
	// health; only the per-attempt timeout below does.
	caller := ctx
	defer func() {
		if err != nil && caller.Err() != nil {
			err = fmt.Errorf("%w: %w", resilience.ErrCallerAborted, err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, resolve(base, in.URL).String(), rd)
	if err != nil {
		return nil, err
	}
	out.Header = forwardHeader(in.Header)

	res, err := c.http.Do(out)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := readLimited(res.Body, c.maxBody)
	if err != nil {
		return nil, err
	}

	slog.Debug("origin fetch", "origin", name, "method", in.Method, "url", out.URL.String(), "status", res.StatusCode)
	return &cachestore.Response{
		Status: res.StatusCode,
		Header: cachestore.StorableHeader(res.Header),
		Body:   b,
	}, nil
}

// resolve maps the request path and query onto base, keeping any path prefix
// base carries.
func resolve(base, u *url.URL) *url.URL {
	target := *base
	reqPath := u.Path
	if reqPath == "" {
		reqPath = "/"
	}
	target.Path = strings.TrimSuffix(base.Path, "/") + reqPath
	if u.RawPath != "" || base.RawPath != "" {
		target.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + u.EscapedPath()
	} else {
		target.RawPath = ""
	}
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// droppedRequestHeaders are connection-specific or would let the origin answer
// with a partial or not-modified response that cannot be stored.
var droppedRequestHeaders = []string{
	ClientHeader,
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Range",
}

func forwardHeader(h http.Header) http.Header {
	out := cachestore.StorableHeader(h)
	for _, k := range droppedRequestHeaders {
		out.Del(k)
	}
	return out
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}
