package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/converge/pkg/bindings"
)

// Provider reads and mutates the entries of one backing-store kind.
//
// A provider instance lives for one run. Prefetch is called once per target
// before any resource on that target is queried, create/update/delete only
// change the provider's in-memory state, and Flush is the only point where
// the backing store is written.
type Provider interface {
	// Name returns the provider tag.
	Name() string

	// Prefetch loads the current state of a target. A missing target holds
	// zero entries; an error is fatal for that target only.
	Prefetch(ctx context.Context, target string) error

	// Exists reports whether the resource's entry exists.
	Exists(ctx context.Context, res *Resource) (bool, error)

	// CurrentProperties returns the entry's current properties, empty when
	// it does not exist.
	CurrentProperties(ctx context.Context, res *Resource) (Properties, error)

	// Create adds an entry built from the desired properties.
	Create(ctx context.Context, res *Resource, props Properties) error

	// Update applies the deltas to the existing entry.
	Update(ctx context.Context, res *Resource, deltas []Delta) error

	// Delete removes the entry.
	Delete(ctx context.Context, res *Resource) error

	// Flush persists the target if it was mutated since prefetch and
	// reports whether it wrote.
	Flush(ctx context.Context, target string) (bool, error)
}

// Canonicalizer expands aliases into canonical desired properties before
// diffing.
type Canonicalizer interface {
	Canonicalize(res *Resource) (Properties, error)
}

// Purger enumerates and removes entries no desired resource claimed.
type Purger interface {
	Unclaimed(ctx context.Context, target string) ([]Entry, error)
	Remove(ctx context.Context, entry Entry) error
}

// Previewer renders a target's pending content without writing it.
type Previewer interface {
	Preview(ctx context.Context, target string) (Preview, error)
}

// Admitter accepts or rejects a desired set before convergence starts.
type Admitter interface {
	Admit(ctx context.Context, resources []Resource) error
}

// ProviderFactory builds a provider instance for one run.
type ProviderFactory func(view bindings.View) (Provider, error)

// Registry maps provider tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
	}
}

// Register adds a factory under tag.
func (r *Registry) Register(tag string, factory ProviderFactory) error {
	if tag == "" {
		return fmt.Errorf("provider tag is required")
	}
	if factory == nil {
		return fmt.Errorf("provider %s: factory is nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("provider %s already registered", tag)
	}
	r.factories[tag] = factory
	return nil
}

// New builds a provider instance for tag.
func (r *Registry) New(tag string, view bindings.View) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q", tag)
	}
	return factory(view)
}

// Tags returns the registered provider tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ProviderKey is the binding holding the default provider tag for a type.
func ProviderKey(resourceType string) string {
	return "defaults." + resourceType + ".provider"
}

// TargetKey is the binding holding the default target for a type.
func TargetKey(resourceType string) string {
	return "defaults." + resourceType + ".target"
}
