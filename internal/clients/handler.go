package clients

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// VersionSource reports the version a newly opened client is bound to.
type VersionSource interface {
	ActiveVersion() string
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithPingInterval sets the keepalive interval. Non-positive values keep
// the default of 30s.
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithOriginPatterns allows cross-origin upgrades from hosts matching the
// given patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.originPatterns = patterns }
}

// Handler serves the client channel. A client connects with
// "?id=<client-id>", receives a "controller" message with its current
// controller, then "controllerchange" messages until it disconnects.
// The connection's lifetime is the client's lifetime in the registry.
type Handler struct {
	reg            *Registry
	versions       VersionSource
	pingInterval   time.Duration
	originPatterns []string
}

// NewHandler returns a Handler registering clients in reg. New clients are
// bound to versions' active version at connect time.
func NewHandler(reg *Registry, versions VersionSource, opts ...HandlerOption) *Handler {
	h := &Handler{reg: reg, versions: versions, pingInterval: 30 * time.Second}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	controller := h.versions.ActiveVersion()
	notify, err := h.reg.Open(id, controller)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrDuplicateID) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.reg.Close(id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("clients: websocket accept failed", "id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	if err := h.write(ctx, conn, Message{Type: TypeController, Controller: controller}); err != nil {
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-notify:
			if err := h.write(ctx, conn, msg); err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				slog.Debug("clients: ping failed", "id", id, "err", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		slog.Debug("clients: write failed", "type", msg.Type, "err", err)
		return err
	}
	return nil
}
