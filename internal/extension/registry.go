package extension

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kingrea/lodstream/internal/asset"
)

// Extension customizes how the pipeline loads an asset.
type Extension interface {
	Name() string
	// LoadMaterial reports whether the extension took over loading h. An
	// extension that returns false must leave h unchanged.
	LoadMaterial(ctx context.Context, h *asset.Handle, assign asset.AssignFunc) bool
}

// Registry holds the extensions a pipeline consults, in registration order.
// Hosts build one explicitly during start-up; nothing registers itself.
type Registry struct {
	mu    sync.RWMutex
	order []Extension
	byKey map[string]Extension
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]Extension{}}
}

// Register appends ext. Returns an error if the name is empty or taken.
func (r *Registry) Register(ext Extension) error {
	if ext == nil {
		return fmt.Errorf("extension: extension is required")
	}
	name := strings.TrimSpace(ext.Name())
	if name == "" {
		return fmt.Errorf("extension: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[name]; exists {
		return fmt.Errorf("extension: %s already registered", name)
	}
	r.byKey[name] = ext
	r.order = append(r.order, ext)
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(ext Extension) {
	if err := r.Register(ext); err != nil {
		panic(err)
	}
}

// Lookup returns the extension registered under name.
func (r *Registry) Lookup(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.byKey[strings.TrimSpace(name)]
	return ext, ok
}

// Ordered returns the extensions in registration order.
func (r *Registry) Ordered() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns extension names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, ext := range r.order {
		names = append(names, ext.Name())
	}
	return names
}

// Claim offers h to each extension in order and reports the name of the one
// that took it.
func (r *Registry) Claim(ctx context.Context, h *asset.Handle, assign asset.AssignFunc) (string, bool) {
	for _, ext := range r.Ordered() {
		if ext.LoadMaterial(ctx, h, assign) {
			return ext.Name(), true
		}
	}
	return "", false
}
