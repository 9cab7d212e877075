// Package asset defines the handles and collaborator contracts shared by the
// loading pipeline and its extensions.
package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/kingrea/lodstream/internal/readiness"
)

// Handle identifies one logical asset (a material, in practice) together
// with the extension metadata declared for it. Extensions consume their own
// metadata by clearing it, so a handle is processed at most once per
// extension.
type Handle struct {
	ID   int
	Name string

	mu         sync.Mutex
	extensions map[string]any
}

// NewHandle returns a handle carrying a shallow copy of extensions.
func NewHandle(id int, name string, extensions map[string]any) *Handle {
	h := &Handle{ID: id, Name: name}
	if len(extensions) > 0 {
		h.extensions = make(map[string]any, len(extensions))
		for key, value := range extensions {
			h.extensions[key] = value
		}
	}
	return h
}

// String renders the handle for logs and tracker diagnostics.
func (h *Handle) String() string {
	if h == nil {
		return "asset(<nil>)"
	}
	if h.Name == "" {
		return fmt.Sprintf("asset(%d)", h.ID)
	}
	return fmt.Sprintf("asset(%d %s)", h.ID, h.Name)
}

// Label returns the name when set, otherwise the numeric id.
func (h *Handle) Label() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("#%d", h.ID)
}

// Extension returns the metadata registered under name.
func (h *Handle) Extension(name string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.extensions[name]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// TakeExtension returns and removes the metadata registered under name. Once
// taken, later lookups observe the extension as absent.
func (h *Handle) TakeExtension(name string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.extensions[name]
	if !ok || value == nil {
		return nil, false
	}
	delete(h.extensions, name)
	return value, true
}

// ExtensionNames lists the metadata keys still present on the handle.
func (h *Handle) ExtensionNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.extensions))
	for name := range h.extensions {
		names = append(names, name)
	}
	return names
}

// Material is the runtime object a loaded variant produces.
type Material interface {
	ID() int
	Name() string
	// ActiveTextures lists the resources that must be ready before the
	// material renders at full quality.
	ActiveTextures() []readiness.Resource
}

// AssignFunc receives each loaded material. isNew is false when the loader
// handed back a material it had already constructed.
type AssignFunc func(material Material, isNew bool)

// LoadFunc receives the outcome of a single material load. Exactly one of
// material or err is set.
type LoadFunc func(material Material, isNew bool, err error)

// Loader constructs the material for one variant id and reports back through
// done on the pipeline's event loop.
type Loader interface {
	LoadMaterial(ctx context.Context, id int, done LoadFunc)
}
