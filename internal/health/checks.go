package health

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/spitch/internal/resilience"
	"github.com/MrWong99/spitch/pkg/cachestore"
)

// StoreCheck pings the cache store.
func StoreCheck(p cachestore.Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}

// ActiveVersionCheck fails until a worker has activated. Before that every
// request is a network passthrough and nothing can be served offline.
func ActiveVersionCheck(active func() string) Checker {
	return Checker{Name: "active_worker", Check: func(context.Context) error {
		if active() == "" {
			return errors.New("no active cache version")
		}
		return nil
	}}
}

// OriginsCheck fails when every origin's circuit breaker is open.
func OriginsCheck(states func() []resilience.EntryState) Checker {
	return Checker{Name: "origins", Check: func(context.Context) error {
		var open []string
		all := states()
		for _, s := range all {
			if s.Breaker == resilience.StateOpen.String() {
				open = append(open, s.Name)
			}
		}
		if len(all) > 0 && len(open) == len(all) {
			return errors.New("all origin circuits open: " + strings.Join(open, ", "))
		}
		return nil
	}}
}
