// Package source defines intelligence capabilities and the registry that
// enforces namespace ownership between them.
package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/model"
)

// Capability is one intelligence source. A capability owns the namespaces
// it declares: no other registered capability may write them, so merged
// results never need conflict resolution.
type Capability interface {
	Name() string
	Namespaces() []model.Namespace
	Run(ctx context.Context, entity model.Entity) (model.SourceResult, error)
}

// Enricher is a non-owning second-pass source. It may only fill fields
// still missing inside its declared write scope; it never overwrites a
// value an owner produced.
type Enricher interface {
	Name() string
	WriteScope() []model.Namespace
	Enrich(ctx context.Context, entity model.Entity, current map[model.Namespace]map[string]any) (map[model.Namespace]map[string]any, error)
}

// Registry holds registered capabilities and their namespace claims.
type Registry struct {
	capabilities []Capability
	owners       map[model.Namespace]string
	enricher     Enricher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[model.Namespace]string)}
}

// Register adds a capability, rejecting any namespace already claimed.
func (r *Registry) Register(c Capability) error {
	for _, ns := range c.Namespaces() {
		if owner, taken := r.owners[ns]; taken {
			return eris.Errorf("source: namespace %s already owned by %s, rejected %s", ns, owner, c.Name())
		}
	}
	for _, ns := range c.Namespaces() {
		r.owners[ns] = c.Name()
	}
	r.capabilities = append(r.capabilities, c)
	return nil
}

// SetEnricher installs the second-pass enrichment source. Enrichers do
// not claim ownership, so their scope may overlap owned namespaces.
func (r *Registry) SetEnricher(e Enricher) {
	r.enricher = e
}

// Enricher returns the installed enricher, or nil.
func (r *Registry) Enricher() Enricher {
	return r.enricher
}

// Capabilities returns the registered capabilities in registration order.
func (r *Registry) Capabilities() []Capability {
	return r.capabilities
}

// Owner returns the capability name owning a namespace, or "".
func (r *Registry) Owner(ns model.Namespace) string {
	return r.owners[ns]
}
