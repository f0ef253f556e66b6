package agent

import (
	"fmt"
	"log/slog"
)

// Dispatcher holds one adapter per backend id and routes operations to the
// right one. The set of adapters is fixed at construction.
type Dispatcher struct {
	adapters  map[string]Adapter
	defaultID string
}

// NewDispatcher builds a dispatcher over the given adapters. defaultID is
// used by the routing layer for sessions with no recorded backend
// association (legacy records).
func NewDispatcher(defaultID string, adapters ...Adapter) *Dispatcher {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	if _, ok := m[defaultID]; !ok {
		panic("dispatcher: default backend " + defaultID + " not registered")
	}
	return &Dispatcher{adapters: m, defaultID: defaultID}
}

// Adapter returns the adapter for id.
func (d *Dispatcher) Adapter(id string) (Adapter, error) {
	a, ok := d.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return a, nil
}

// Capabilities returns the static capability descriptor for id.
func (d *Dispatcher) Capabilities(id string) (Capabilities, error) {
	a, err := d.Adapter(id)
	if err != nil {
		return Capabilities{}, err
	}
	return a.Capabilities(), nil
}

// DefaultBackendID returns the fallback backend id.
func (d *Dispatcher) DefaultBackendID() string { return d.defaultID }

// BindUISurface forwards the binding to every registered adapter.
func (d *Dispatcher) BindUISurface(s UISurface) {
	for _, a := range d.adapters {
		a.BindUISurface(s)
	}
}

// CleanupAll cleans up every adapter. A failure (including a panic) in one
// adapter never prevents the others from being cleaned up, and the aggregate
// call never fails.
func (d *Dispatcher) CleanupAll() {
	for id, a := range d.adapters {
		cleanupAdapter(id, a)
	}
}

func cleanupAdapter(id string, a Adapter) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("adapter cleanup panicked", "backend", id, "panic", r)
		}
	}()
	a.Cleanup()
}
