package provider

import (
	"github.com/rotisserie/eris"

	"github.com/fitsync/fitsync/internal/model"
)

// Registry maps provider names to their adapters, preserving
// registration order for deterministic iteration.
type Registry struct {
	providers map[model.ProviderName]Provider
	order     []model.ProviderName
}

// NewRegistry creates an empty registry. Callers register the adapters
// their configuration enables.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[model.ProviderName]Provider)}
}

// Register adds an adapter. Re-registering a name replaces the adapter
// but keeps its original position.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns the adapter for name.
func (r *Registry) Get(name model.ProviderName) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, eris.Errorf("provider: unknown provider %q", name)
	}
	return p, nil
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Names returns registered provider names in registration order.
func (r *Registry) Names() []model.ProviderName {
	out := make([]model.ProviderName, len(r.order))
	copy(out, r.order)
	return out
}
