package reconstruction

import (
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

// Registry maps model names to implementations.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// DefaultRegistry registers the built-in models.
func DefaultRegistry(blobs blob.Store, opts HeightmapOptions) *Registry {
	r := NewRegistry()
	r.Register(NewHeightmapModel(blobs, opts))
	return r
}

// Register adds or replaces a model under its name.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name()] = m
}

// Get returns the named model. An unknown name is a permanent configuration
// error that lists what is available.
func (r *Registry) Get(name string) (Model, error) {
	r.mu.RLock()
	m, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, resilience.Permanent(eris.Errorf("reconstruction: unknown model %q, available: %s",
			name, strings.Join(r.Names(), ", ")))
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
