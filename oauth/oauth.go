// Package oauth resolves identity-provider authorization codes into
// creditgate identities.
package oauth

import (
	"context"
	"fmt"
	"sort"

	"github.com/ineyio/creditgate"
)

// Exchanger trades an authorization code for the identity the provider
// asserts. Implementations return identity facts only; account creation
// is the Gate's job.
type Exchanger interface {
	// Name returns the provider identifier used in the route (e.g. "google").
	Name() string

	// Exchange redeems code and returns the verified identity.
	Exchange(ctx context.Context, code string) (creditgate.Identity, error)
}

// Registry holds the configured exchangers by name.
type Registry struct {
	exchangers map[string]Exchanger
}

// NewRegistry registers the given exchangers by name. A later exchanger
// with the same name replaces an earlier one.
func NewRegistry(list ...Exchanger) *Registry {
	m := make(map[string]Exchanger, len(list))
	for _, e := range list {
		m[e.Name()] = e
	}
	return &Registry{exchangers: m}
}

// Get returns the exchanger registered under name.
func (r *Registry) Get(name string) (Exchanger, error) {
	e, ok := r.exchangers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", creditgate.ErrUnknownProvider, name)
	}
	return e, nil
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.exchangers))
	for name := range r.exchangers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
