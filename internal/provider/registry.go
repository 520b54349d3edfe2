package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured providers keyed by name. It is built once at
// startup and handed to consumers by reference; Register rejects writes after
// the registry has been sealed.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ChatProvider
	sealed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ChatProvider)}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p ChatProvider) error {
	if p == nil {
		return errors.New("registry: provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("registry: provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry: sealed, cannot register %q", name)
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("registry: provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Seal marks the end of the startup registration window.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (ChatProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
