package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/lodstream/internal/asset"
	"github.com/kingrea/lodstream/internal/manifest"
	"github.com/kingrea/lodstream/internal/readiness"
)

// Timers schedules work on the pipeline's event loop.
type Timers interface {
	AfterFunc(d time.Duration, task func()) (cancel func() bool)
}

// Simulator is an asset.Loader that builds materials described by a
// manifest, taking each material's and texture's configured latency.
// Materials are constructed once; later loads of the same id hand back the
// cached material with isNew set to false.
type Simulator struct {
	manifest *manifest.Manifest
	timers   Timers

	mu       sync.Mutex
	built    map[int]*material
	textures map[string]*readiness.Texture
	loads    map[int]int
}

// NewSimulator returns a loader for m that schedules completions on timers.
func NewSimulator(m *manifest.Manifest, timers Timers) *Simulator {
	return &Simulator{
		manifest: m,
		timers:   timers,
		built:    map[int]*material{},
		textures: map[string]*readiness.Texture{},
		loads:    map[int]int{},
	}
}

// LoadMaterial satisfies asset.Loader.
func (s *Simulator) LoadMaterial(ctx context.Context, id int, done asset.LoadFunc) {
	s.mu.Lock()
	s.loads[id]++
	s.mu.Unlock()
	def, ok := s.manifest.Material(id)
	if !ok {
		s.timers.AfterFunc(0, func() {
			done(nil, false, fmt.Errorf("pipeline: unknown material %d", id))
		})
		return
	}
	s.timers.AfterFunc(def.Latency, func() {
		if err := ctx.Err(); err != nil {
			done(nil, false, err)
			return
		}
		if def.Fail != "" {
			done(nil, false, errors.New(def.Fail))
			return
		}
		mat, isNew := s.material(def)
		done(mat, isNew, nil)
	})
}

// Loads reports how many times id was requested.
func (s *Simulator) Loads(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[id]
}

func (s *Simulator) material(def *manifest.Material) (*material, bool) {
	s.mu.Lock()
	if mat, ok := s.built[def.ID]; ok {
		s.mu.Unlock()
		return mat, false
	}
	mat := &material{id: def.ID, name: def.Name}
	var start []*readiness.Texture
	for _, texID := range def.Textures {
		tex, ok := s.textures[texID]
		if !ok {
			tex = readiness.NewTexture(texID)
			s.textures[texID] = tex
			start = append(start, tex)
		}
		mat.textures = append(mat.textures, tex)
	}
	s.built[def.ID] = mat
	s.mu.Unlock()

	for _, tex := range start {
		tex := tex
		latency := time.Duration(0)
		if texDef, ok := s.manifest.Texture(tex.ID()); ok {
			latency = texDef.Latency
		}
		s.timers.AfterFunc(latency, tex.MarkReady)
	}
	return mat, true
}

type material struct {
	id       int
	name     string
	textures []readiness.Resource
}

func (m *material) ID() int { return m.id }

func (m *material) Name() string { return m.name }

func (m *material) ActiveTextures() []readiness.Resource { return m.textures }
