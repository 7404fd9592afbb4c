package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// Registry holds the engines available to a controller.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]ports.Engine
	order   []string
}

// NewRegistry returns a registry holding engines, tried in the given order
// when sniffing.
func NewRegistry(engines ...ports.Engine) *Registry {
	r := &Registry{engines: make(map[string]ports.Engine)}
	for _, e := range engines {
		_ = r.Register(e)
	}
	return r
}

// Register adds an engine. Names must be unique.
func (r *Registry) Register(e ports.Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := e.Name()
	if _, exists := r.engines[name]; exists {
		return &entities.ConfigurationError{Field: "engine", Reason: fmt.Sprintf("engine %q already registered", name)}
	}
	r.engines[name] = e
	r.order = append(r.order, name)
	return nil
}

// Get returns the engine registered as name.
func (r *Registry) Get(name string) (ports.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, &entities.NotFound{What: "engine", ID: name}
	}
	return e, nil
}

// Detect returns the first engine that recognizes data.
func (r *Registry) Detect(data []byte) (ports.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if e := r.engines[name]; e.Sniff(data) {
			return e, nil
		}
	}
	return nil, &entities.InvalidModule{Reason: "no engine recognizes the module format"}
}

// Names lists registered engines alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Close closes every engine.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, name := range r.order {
		if err := r.engines[name].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing engine %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
