// Package clients tracks open application instances (browser tabs or desktop
// shells) and the cache version that controls each of them.
//
// Instances announce themselves over a websocket channel (see [Handler]) and
// tag every fetch with their ID. When the controlling version of an instance
// changes, the instance receives a "controllerchange" message so it can
// reload.
package clients

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/spitch/internal/observe"
)

var (
	// ErrEmptyID is returned by [Registry.Open] for an empty client ID.
	ErrEmptyID = errors.New("clients: empty client id")

	// ErrDuplicateID is returned by [Registry.Open] when the ID is already
	// open.
	ErrDuplicateID = errors.New("clients: client id already open")
)

// Message types sent to clients.
const (
	TypeController       = "controller"
	TypeControllerChange = "controllerchange"
)

// Message is the JSON frame sent on the client channel.
type Message struct {
	Type       string `json:"type"`
	Controller string `json:"controller"`
}

// Info describes one open client.
type Info struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller"`
	OpenedAt   time.Time `json:"opened_at"`
}

type client struct {
	id         string
	controller string
	openedAt   time.Time
	notify     chan Message
}

// Option configures a [Registry].
type Option func(*Registry)

// WithOnRelease registers fn to run after an instance closes or moves away
// from a version. It runs on its own goroutine.
func WithOnRelease(fn func()) Option {
	return func(r *Registry) { r.onRelease = fn }
}

// WithMetrics tracks connected clients in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the set of open clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client

	onRelease func()
	metrics   *observe.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{clients: make(map[string]*client)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open registers id bound to controller ("" for uncontrolled) and returns
// the channel its notifications arrive on.
func (r *Registry) Open(id, controller string) (<-chan Message, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		return nil, ErrDuplicateID
	}
	c := &client{id: id, controller: controller, openedAt: time.Now(), notify: make(chan Message, 8)}
	r.clients[id] = c
	if r.metrics != nil {
		r.metrics.ConnectedClients.Add(context.Background(), 1)
	}
	slog.Debug("clients: opened", "id", id, "controller", controller)
	return c.notify, nil
}

// Close removes id. Closing an unknown ID is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Add(context.Background(), -1)
	}
	slog.Debug("clients: closed", "id", id, "controller", c.controller)
	r.released()
}

// Controller implements offline.Clients.
func (r *Registry) Controller(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return c.controller, true
}

// ControlledBy implements offline.Clients.
func (r *Registry) ControlledBy(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.controller == version {
			n++
		}
	}
	return n
}

// Rebind implements offline.Clients.
func (r *Registry) Rebind(from, to string) int {
	return r.rebind(func(c *client) bool { return c.controller == from }, to)
}

// Claim implements offline.Clients.
func (r *Registry) Claim(version string) int {
	return r.rebind(func(c *client) bool { return c.controller != version }, version)
}

func (r *Registry) rebind(match func(*client) bool, to string) int {
	r.mu.Lock()
	n := 0
	for _, c := range r.clients {
		if !match(c) {
			continue
		}
		c.controller = to
		n++
		select {
		case c.notify <- Message{Type: TypeControllerChange, Controller: to}:
		default:
			slog.Warn("clients: notification buffer full, dropping controllerchange", "id", c.id)
		}
	}
	r.mu.Unlock()
	if n > 0 {
		slog.Info("clients: controller changed", "controller", to, "clients", n)
		r.released()
	}
	return n
}

// Len returns the number of open clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// List returns every open client sorted by ID.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, Info{ID: c.id, Controller: c.controller, OpenedAt: c.openedAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) released() {
	if r.onRelease != nil {
		go r.onRelease()
	}
}
