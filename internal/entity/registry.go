package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an empty entity of one record type.
type Factory func() Syncable

// Registry maps remote record types to entity factories so the local store
// can hydrate rows of arbitrary types back into typed values.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a record type to its factory. Registering the same type
// twice panics: that is a wiring mistake, not a runtime condition.
func (r *Registry) Register(recordType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[recordType]; ok {
		panic(fmt.Sprintf("entity: record type %q registered twice", recordType))
	}
	r.factories[recordType] = f
}

// New returns an empty entity for the given record type.
func (r *Registry) New(recordType string) (Syncable, error) {
	r.mu.RLock()
	f, ok := r.factories[recordType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("entity: no factory for record type %q", recordType)
	}
	return f(), nil
}

// Types lists the registered record types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
