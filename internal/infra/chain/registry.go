package chain

import (
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// Registry maps networks to their provider.
type Registry struct {
	providers map[domain.Network]Provider
	order     []domain.Network
}

// NewRegistry registers providers in order. A later provider for the same network replaces an earlier one.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Network]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for p.Network().
func (r *Registry) Register(p Provider) {
	n := p.Network()
	if _, ok := r.providers[n]; !ok {
		r.order = append(r.order, n)
	}
	r.providers[n] = p
}

// Get returns the provider for network or domain.ErrUnsupportedNetwork.
func (r *Registry) Get(network domain.Network) (Provider, error) {
	p, ok := r.providers[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, network)
	}
	return p, nil
}

// Networks returns registered networks in registration order.
func (r *Registry) Networks() []domain.Network {
	out := make([]domain.Network, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.providers[n])
	}
	return out
}
