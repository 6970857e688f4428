package procedure

import (
	"fmt"
	"sort"
	"sync"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
)

// Named is anything with a registry name. Every *Procedure is Named.
type Named interface {
	Name() string
}

// Registry holds the procedures other procedures compose by name.
// Registering under an existing name replaces the previous entry.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Named
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Named)}
}

// Register adds procedures under their names.
func (r *Registry) Register(procs ...Named) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range procs {
		r.procs[p.Name()] = p
	}
	return r
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for name := range r.procs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the procedure registered under name with the given type
// parameters.
func Lookup[A, R, S any](r *Registry, name string) (*Procedure[A, R, S], error) {
	if r == nil {
		return nil, txerrors.Validation("no procedure registry", map[string]any{"procedure": name})
	}
	r.mu.RLock()
	p, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, txerrors.Validation("procedure not registered", map[string]any{"procedure": name})
	}
	typed, ok := p.(*Procedure[A, R, S])
	if !ok {
		return nil, txerrors.Validation("registered procedure has a different signature", map[string]any{
			"procedure": name,
			"type":      fmt.Sprintf("%T", p),
		})
	}
	return typed, nil
}
