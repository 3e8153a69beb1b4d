package hook

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

var ErrDuplicate = errors.New("hook: duplicate name")

// Registry is an ordered set of hooks keyed by name.
type Registry struct {
	mu     sync.RWMutex
	hooks  []*Descriptor
	byName map[string]*Descriptor
}

// Default is the registry used by the package-level Register.
var Default = &Registry{}

// Register adds d to the default registry.
func Register(d *Descriptor) error { return Default.Register(d) }

// Register appends d. Names must be unique.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = make(map[string]*Descriptor)
	}
	if _, ok := r.byName[d.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.name)
	}
	r.byName[d.name] = d
	r.hooks = append(r.hooks, d)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(ds ...*Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Lookup returns the hook registered as name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// All yields the hooks in registration order. Hooks registered while
// iterating are not seen.
func (r *Registry) All() iter.Seq[*Descriptor] {
	r.mu.RLock()
	hooks := slices.Clone(r.hooks)
	r.mu.RUnlock()
	return slices.Values(hooks)
}
