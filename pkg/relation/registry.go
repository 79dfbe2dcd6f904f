package relation

import (
	"sort"
	"sync"

	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/sublevel"
)

type registryKey struct {
	owner string
	name  string
}

// Registry maps (owning sublevel, relation name) to the [Resolver] of that relation. Owners
// are identified by their key prefix, so two handles on the same sublevel share accessors.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[registryKey]*Resolver
	logger    logger.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		resolvers: map[registryKey]*Resolver{},
		logger:    logger.NewNoopLogger(),
	}
}

func keyOf(owner *sublevel.Sublevel, name string) registryKey {
	return registryKey{owner: string(owner.Prefix()), name: name}
}

// Register returns the resolver of relation name of owner, creating it with opposite as the
// sublevel holding the related items if it does not exist yet. Later registrations with a
// different opposite sublevel return the existing resolver unchanged.
func (r *Registry) Register(owner *sublevel.Sublevel, name string, opposite *sublevel.Sublevel) *Resolver {
	key := keyOf(owner, name)

	r.mu.RLock()
	resolver, ok := r.resolvers[key]
	r.mu.RUnlock()
	if ok {
		return resolver
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if resolver, ok := r.resolvers[key]; ok {
		return resolver
	}

	resolver = &Resolver{owner: owner, name: name, opposite: opposite, logger: r.logger}
	r.resolvers[key] = resolver
	return resolver
}

// Lookup returns the resolver of relation name of owner, if registered.
func (r *Registry) Lookup(owner *sublevel.Sublevel, name string) (*Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolver, ok := r.resolvers[keyOf(owner, name)]
	return resolver, ok
}

// Names returns the relation names registered for owner, sorted.
func (r *Registry) Names(owner *sublevel.Sublevel) []string {
	prefix := string(owner.Prefix())

	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for key := range r.resolvers {
		if key.owner == prefix {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)

	return names
}
