// Package gateway is the HTTP face of the offline cache manager. Every
// request outside the control namespace is intercepted and resolved through
// [offline.Manager.Fetch]; the control namespace exposes lifecycle state and
// signals.
//
// Routes:
//
//	GET  /_spitch/state         lifecycle snapshot, origin breakers, open clients
//	POST /_spitch/skip-waiting  force the pending worker to activate
//	POST /_spitch/claim         bind every open client to the active worker
//	POST /_spitch/update        reload the cache definition and re-register
//	GET  /_spitch/clients       websocket client channel
//	*    /                      fetch interception
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/spitch/internal/clients"
	"github.com/MrWong99/spitch/internal/network"
	"github.com/MrWong99/spitch/internal/observe"
	"github.com/MrWong99/spitch/internal/offline"
	"github.com/MrWong99/spitch/internal/resilience"
)

// ControlPrefix is the path prefix reserved for control endpoints.
const ControlPrefix = "/_spitch/"

// Response headers describing how a request was served.
const (
	HeaderSource  = "X-Spitch-Source"
	HeaderVersion = "X-Spitch-Version"
	HeaderRoute   = "X-Spitch-Route"
)

// Config wires the gateway to its collaborators. Only Manager is required.
type Config struct {
	Manager *offline.Manager

	// Clients lists open clients for the state endpoint.
	Clients *clients.Registry

	// ClientsHandler serves the websocket client channel.
	ClientsHandler http.Handler

	// Origins reports upstream breaker states for the state endpoint.
	Origins func() []resilience.EntryState

	// Update reloads the cache definition and registers it. When nil the
	// update endpoint answers 501.
	Update func(ctx context.Context) error

	Metrics *observe.Metrics
}

// Gateway serves fetch interception and control endpoints.
type Gateway struct {
	cfg Config
	mux *http.ServeMux
}

// State is the body of GET /_spitch/state.
type State struct {
	offline.Snapshot
	Origins []resilience.EntryState `json:"origins,omitempty"`
	Clients []clients.Info          `json:"clients"`
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	g := &Gateway{cfg: cfg, mux: http.NewServeMux()}
	g.mux.HandleFunc("GET "+ControlPrefix+"state", g.handleState)
	g.mux.HandleFunc("POST "+ControlPrefix+"skip-waiting", g.handleSkipWaiting)
	g.mux.HandleFunc("POST "+ControlPrefix+"claim", g.handleClaim)
	g.mux.HandleFunc("POST "+ControlPrefix+"update", g.handleUpdate)
	if cfg.ClientsHandler != nil {
		g.mux.Handle("GET "+ControlPrefix+"clients", cfg.ClientsHandler)
	}
	g.mux.HandleFunc(ControlPrefix, func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "unknown control endpoint")
	})
	g.mux.HandleFunc("/", g.handleFetch)
	return g
}

// Register mounts the gateway on mux at "/" wrapped in the observability
// middleware.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.Handle("/", g.Handler())
}

// Handler returns the gateway with observability middleware applied.
func (g *Gateway) Handler() http.Handler {
	return observe.Middleware(g.cfg.Metrics, observe.WithRouteLabel(RouteLabel))(g.mux)
}

// RouteLabel groups intercepted fetches under one metric label so arbitrary
// asset paths do not explode cardinality.
func RouteLabel(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, ControlPrefix) {
		return r.URL.Path
	}
	return "fetch"
}

func (g *Gateway) handleFetch(w http.ResponseWriter, r *http.Request) {
	res, err := g.cfg.Manager.Fetch(r.Context(), r)
	if err != nil {
		log := observe.Logger(r.Context())
		switch {
		case errors.Is(err, context.Canceled):
			// Client went away; nothing to answer.
			return
		case errors.Is(err, network.ErrNetwork):
			log.Warn("gateway: fetch failed", "method", r.Method, "path", r.URL.Path, "err", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			log.Error("gateway: fetch failed", "method", r.Method, "path", r.URL.Path, "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h := w.Header()
	for k, vs := range res.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(HeaderSource, res.Source.String())
	h.Set(HeaderRoute, res.Route.String())
	if res.Version != "" {
		h.Set(HeaderVersion, res.Version)
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(res.Body); err != nil {
			slog.Debug("gateway: write body", "path", r.URL.Path, "err", err)
		}
	}
}

func (g *Gateway) handleState(w http.ResponseWriter, _ *http.Request) {
	st := State{Snapshot: g.cfg.Manager.Snapshot(), Clients: []clients.Info{}}
	if g.cfg.Origins != nil {
		st.Origins = g.cfg.Origins()
	}
	if g.cfg.Clients != nil {
		st.Clients = g.cfg.Clients.List()
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Manager.SkipWaiting(r.Context()); err != nil {
		g.controlError(w, r, "skip-waiting", err)
		return
	}
	writeJSON(w, http.StatusOK, g.cfg.Manager.Snapshot())
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	n, err := g.cfg.Manager.Claim(r.Context())
	if err != nil {
		g.controlError(w, r, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"claimed": n})
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Update == nil {
		writeError(w, http.StatusNotImplemented, "update not configured")
		return
	}
	if err := g.cfg.Update(r.Context()); err != nil {
		g.controlError(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, g.cfg.Manager.Snapshot())
}

func (g *Gateway) controlError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, offline.ErrNoWorker), errors.Is(err, offline.ErrVersionReused):
		status = http.StatusConflict
	case errors.Is(err, offline.ErrInstallFailed):
		status = http.StatusBadGateway
	}
	observe.Logger(r.Context()).Warn("gateway: control signal failed", "op", op, "status", status, "err", err)
	writeError(w, status, err.Error())
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: encode response", "err", err)
	}
}
