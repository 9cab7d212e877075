// Package manifest describes a scene for the simulated loading pipeline:
// which materials exist, how long each takes to build, which textures they
// use, and which materials the scene starts loading.
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lodstream/internal/asset"
)

// Material is one loadable material variant.
type Material struct {
	ID         int            `yaml:"id"`
	Name       string         `yaml:"name"`
	Latency    time.Duration  `yaml:"latency"`
	Textures   []string       `yaml:"textures,omitempty"`
	Fail       string         `yaml:"fail,omitempty"`
	Extensions map[string]any `yaml:"extensions,omitempty"`
}

// Texture is a resource materials depend on.
type Texture struct {
	ID      string        `yaml:"id"`
	Latency time.Duration `yaml:"latency"`
}

// Scene lists the materials the pipeline loads when it starts.
type Scene struct {
	Materials []int `yaml:"materials"`
}

// Manifest models a manifest YAML file.
type Manifest struct {
	Version   int        `yaml:"version"`
	Materials []Material `yaml:"materials"`
	Textures  []Texture  `yaml:"textures,omitempty"`
	Scene     Scene      `yaml:"scene"`

	materials map[int]*Material
	textures  map[string]*Texture
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	m.applyDefaults()
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Material returns the material with the given id.
func (m *Manifest) Material(id int) (*Material, bool) {
	mat, ok := m.materials[id]
	return mat, ok
}

// Texture returns the texture with the given id.
func (m *Manifest) Texture(id string) (*Texture, bool) {
	tex, ok := m.textures[id]
	return tex, ok
}

// Handles builds a fresh asset handle for every scene material. Each call
// returns new handles, so extension metadata can be consumed independently.
func (m *Manifest) Handles() []*asset.Handle {
	handles := make([]*asset.Handle, 0, len(m.Scene.Materials))
	for _, id := range m.Scene.Materials {
		mat := m.materials[id]
		handles = append(handles, asset.NewHandle(mat.ID, mat.Name, mat.Extensions))
	}
	return handles
}

// Chain returns the variant ids declared for material id under the named
// extension, highest fidelity first, or just the id when nothing is
// declared.
func (m *Manifest) Chain(id int, extension string) []int {
	chain := []int{id}
	mat, ok := m.materials[id]
	if !ok {
		return chain
	}
	decl, ok := mat.Extensions[extension].(map[string]any)
	if !ok {
		return chain
	}
	ids, _ := decl["ids"].([]any)
	for _, raw := range ids {
		if n, ok := raw.(int); ok {
			chain = append(chain, n)
		}
	}
	return chain
}

func (m *Manifest) applyDefaults() {
	if m.Version == 0 {
		m.Version = 1
	}
	for i := range m.Materials {
		m.Materials[i].Name = strings.TrimSpace(m.Materials[i].Name)
		if m.Materials[i].Name == "" {
			m.Materials[i].Name = fmt.Sprintf("material-%d", m.Materials[i].ID)
		}
	}
	if len(m.Scene.Materials) == 0 {
		m.Scene.Materials = m.roots()
	}
}

// roots lists materials that no other material names as an alternate.
func (m *Manifest) roots() []int {
	alternates := map[int]bool{}
	for _, mat := range m.Materials {
		for _, ext := range mat.Extensions {
			decl, ok := ext.(map[string]any)
			if !ok {
				continue
			}
			ids, _ := decl["ids"].([]any)
			for _, raw := range ids {
				if n, ok := raw.(int); ok {
					alternates[n] = true
				}
			}
		}
	}
	var roots []int
	for _, mat := range m.Materials {
		if !alternates[mat.ID] {
			roots = append(roots, mat.ID)
		}
	}
	sort.Ints(roots)
	return roots
}

func (m *Manifest) index() error {
	if m.Version != 1 {
		return fmt.Errorf("version %d not supported", m.Version)
	}
	m.textures = make(map[string]*Texture, len(m.Textures))
	for i := range m.Textures {
		tex := &m.Textures[i]
		tex.ID = strings.TrimSpace(tex.ID)
		if tex.ID == "" {
			return fmt.Errorf("textures[%d]: id is required", i)
		}
		if tex.Latency < 0 {
			return fmt.Errorf("textures[%d]: latency must not be negative", i)
		}
		if _, exists := m.textures[tex.ID]; exists {
			return fmt.Errorf("textures[%d]: duplicate id %s", i, tex.ID)
		}
		m.textures[tex.ID] = tex
	}
	m.materials = make(map[int]*Material, len(m.Materials))
	for i := range m.Materials {
		mat := &m.Materials[i]
		if mat.ID < 0 {
			return fmt.Errorf("materials[%d]: id must not be negative", i)
		}
		if mat.Latency < 0 {
			return fmt.Errorf("materials[%d]: latency must not be negative", i)
		}
		if _, exists := m.materials[mat.ID]; exists {
			return fmt.Errorf("materials[%d]: duplicate id %d", i, mat.ID)
		}
		for _, texID := range mat.Textures {
			if _, ok := m.textures[texID]; !ok {
				return fmt.Errorf("materials[%d]: unknown texture %s", i, texID)
			}
		}
		m.materials[mat.ID] = mat
	}
	placed := make(map[int]bool, len(m.Scene.Materials))
	for i, id := range m.Scene.Materials {
		if _, ok := m.materials[id]; !ok {
			return fmt.Errorf("scene.materials[%d]: unknown material %d", i, id)
		}
		if placed[id] {
			return fmt.Errorf("scene.materials[%d]: material %d is already placed", i, id)
		}
		placed[id] = true
	}
	for _, mat := range m.Materials {
		for name := range mat.Extensions {
			for _, id := range m.Chain(mat.ID, name)[1:] {
				if _, ok := m.materials[id]; !ok {
					return fmt.Errorf("material %d: extension %s references unknown material %d", mat.ID, name, id)
				}
			}
		}
	}
	return nil
}
