package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry owns the per-mode engines. The application root constructs it
// once and injects it into whatever control surface needs it; there is no
// package-level instance.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: map[string]*Engine{}}
}

// Add registers an engine under its mode. Duplicate modes are an error.
func (r *Registry) Add(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.Mode()]; ok {
		return fmt.Errorf("registry: mode %s already registered", e.Mode())
	}
	r.engines[e.Mode()] = e
	return nil
}

func (r *Registry) Get(mode string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[mode]
	return e, ok
}

// Modes lists registered modes in stable order.
func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]string, 0, len(r.engines))
	for m := range r.engines {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// StartAll starts every registered engine.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, m := range r.Modes() {
		e, _ := r.Get(m)
		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", m, err)
		}
	}
	return nil
}

// StopAll stops every registered engine, continuing past individual errors.
func (r *Registry) StopAll(ctx context.Context) {
	for _, m := range r.Modes() {
		e, _ := r.Get(m)
		_ = e.Stop(ctx)
	}
}
