// Package pipeline is the host side of progressive loading: it owns the
// event loop collaborators (pending-work tracker, render gate, pacing
// throttle), offers every scene asset to the registered extensions, loads
// unclaimed assets directly, and keeps a per-asset view of what is currently
// presented.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lodstream/internal/asset"
	"github.com/kingrea/lodstream/internal/eventloop"
	"github.com/kingrea/lodstream/internal/extension"
	"github.com/kingrea/lodstream/internal/extensions"
	"github.com/kingrea/lodstream/internal/lod"
	"github.com/kingrea/lodstream/internal/logbook"
	"github.com/kingrea/lodstream/internal/pending"
	"github.com/kingrea/lodstream/internal/progress"
	"github.com/kingrea/lodstream/internal/readiness"
	"github.com/kingrea/lodstream/internal/throttle"
)

// Logger records pipeline diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// DefaultFrameInterval approximates one frame at 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Options wires a Pipeline.
type Options struct {
	Loop   *eventloop.Loop
	Loader asset.Loader
	// MinimalDelay is the pause between two upgrades of the same asset.
	MinimalDelay time.Duration
	// FrameInterval is how long after the tracker reports ready the host
	// becomes render-ready.
	FrameInterval time.Duration
	// Extensions are registered after the built-in ones.
	Extensions []extension.Extension
	Router     *progress.Router
	Logbook    *logbook.Logbook
	Logger     Logger
}

// Status summarizes where an asset stands.
type Status string

const (
	StatusLoading   Status = "loading"
	StatusUpgrading Status = "upgrading"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AssetState is the pipeline's view of one scene asset.
type AssetState struct {
	ID        int       `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Extension string    `json:"extension,omitempty" yaml:"extension,omitempty"`
	Status    Status    `json:"status" yaml:"status"`
	Presented *int      `json:"presented,omitempty" yaml:"presented,omitempty"`
	Position  int       `json:"position" yaml:"position"`
	Length    int       `json:"length" yaml:"length"`
	Assigned  int       `json:"assigned" yaml:"assigned"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Snapshot is a point-in-time view of the whole pipeline.
type Snapshot struct {
	Pending      pending.Snapshot `json:"pending" yaml:"pending"`
	RenderReady  bool             `json:"render_ready" yaml:"render_ready"`
	MinimalDelay time.Duration    `json:"minimal_delay" yaml:"minimal_delay"`
	Extensions   []string         `json:"extensions" yaml:"extensions"`
	Assets       []AssetState     `json:"assets" yaml:"assets"`
}

// Pipeline drives a scene's loading on a single event loop.
type Pipeline struct {
	loop     *eventloop.Loop
	loader   asset.Loader
	tracker  *pending.Tracker
	gate     *readiness.Gate
	pacer    *throttle.Throttle
	registry *extension.Registry
	builtins extensions.Builtins
	router   *progress.Router
	book     *logbook.Logbook
	logger   Logger
	frame    time.Duration

	mu       sync.RWMutex
	assets   map[int]*AssetState
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

// New builds the pipeline collaborators and registers the built-in
// extensions followed by opts.Extensions.
func New(opts Options) (*Pipeline, error) {
	if opts.Loop == nil {
		return nil, fmt.Errorf("pipeline: event loop is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("pipeline: loader is required")
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	router := opts.Router
	if router == nil {
		router = progress.NewRouter(progress.RouterWithLogger(logger))
	}
	p := &Pipeline{
		loop:     opts.Loop,
		loader:   opts.Loader,
		tracker:  pending.New(pending.WithLogger(logger)),
		gate:     readiness.NewGate(opts.Loop),
		pacer:    throttle.New(opts.Loop, opts.MinimalDelay),
		registry: extension.NewRegistry(),
		router:   router,
		book:     opts.Logbook,
		logger:   logger,
		frame:    opts.FrameInterval,
		assets:   map[int]*AssetState{},
		done:     make(chan struct{}),
	}
	builtins, err := extensions.RegisterBuiltins(p.registry, lod.Deps{
		Loader:    p.loader,
		Tracker:   p.tracker,
		Gate:      p.gate,
		Scheduler: p.loop,
		Pacer:     p.pacer,
		Logger:    logger,
		Observer:  p.observeChain,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: register builtins: %w", err)
	}
	p.builtins = builtins
	for _, ext := range opts.Extensions {
		if err := p.registry.Register(ext); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	p.tracker.OnReady(p.handleReady)
	p.tracker.OnComplete(p.handleComplete)
	return p, nil
}

// Start queues every handle for loading. It may only be called once.
func (p *Pipeline) Start(ctx context.Context, handles []*asset.Handle) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: already started")
	}
	p.started = true
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return p.loop.Submit(func() {
		if len(handles) == 0 {
			p.handleComplete()
			return
		}
		for _, h := range handles {
			p.LoadMaterial(ctx, h, nil)
		}
	})
}

// Done is closed once the tracker reports every asset fully loaded.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Router returns the progress router events are published on.
func (p *Pipeline) Router() *progress.Router {
	return p.router
}

// Registry returns the extension registry.
func (p *Pipeline) Registry() *extension.Registry {
	return p.registry
}

// Cancel abandons the remaining upgrades of assetID.
func (p *Pipeline) Cancel(assetID int) bool {
	if p.builtins.LOD == nil {
		return false
	}
	return p.builtins.LOD.Cancel(assetID)
}

// Snapshot returns the current pipeline state, assets ordered by id.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	assets := make([]AssetState, 0, len(p.assets))
	for _, state := range p.assets {
		assets = append(assets, *state)
	}
	p.mu.RUnlock()
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return Snapshot{
		Pending:      p.tracker.Snapshot(),
		RenderReady:  p.gate.IsRenderReady(),
		MinimalDelay: p.pacer.Delay(),
		Extensions:   p.registry.Names(),
		Assets:       assets,
	}
}

// SaveSnapshot writes the current snapshot as YAML to path.
func (p *Pipeline) SaveSnapshot(path string) error {
	data, err := yaml.Marshal(p.Snapshot())
	if err != nil {
		return fmt.Errorf("pipeline: encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: ensure snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write snapshot: %w", err)
	}
	return nil
}

// LoadMaterial offers h to each registered extension in registration order.
// When none claims it, h is loaded directly under a blocking token. assign,
// if not nil, sees every material presented for h. Must be called on the
// event loop.
func (p *Pipeline) LoadMaterial(ctx context.Context, h *asset.Handle, assign asset.AssignFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.track(h)
	assign = p.assigner(h, assign)
	if name, ok := p.registry.Claim(ctx, h, assign); ok {
		p.update(h.ID, func(s *AssetState) { s.Extension = name })
		return
	}
	p.update(h.ID, func(s *AssetState) { s.Length = 1 })
	p.tracker.AddBlocking(h)
	p.loader.LoadMaterial(ctx, h.ID, func(mat asset.Material, isNew bool, err error) {
		defer p.tracker.RemoveBlocking(h)
		evt := progress.Event{AssetID: h.ID, AssetName: h.Name, Variant: h.ID, Length: 1}
		if err != nil {
			p.update(h.ID, func(s *AssetState) {
				s.Status = StatusFailed
				s.Error = err.Error()
			})
			evt.Kind = progress.KindDefaultFailed
			evt.Error = err.Error()
			p.book.Record(evt)
			p.router.Publish(evt)
			return
		}
		assign(mat, isNew)
		p.update(h.ID, func(s *AssetState) { s.Status = StatusComplete })
		evt.Kind = progress.KindDefaultLoaded
		evt.IsNew = isNew
		p.book.Record(evt)
		p.router.Publish(evt)
	})
}

func (p *Pipeline) track(h *asset.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[h.ID] = &AssetState{ID: h.ID, Name: h.Name, Status: StatusLoading, UpdatedAt: time.Now()}
}

// assigner records each material presented for h before handing it on.
func (p *Pipeline) assigner(h *asset.Handle, next asset.AssignFunc) asset.AssignFunc {
	return func(mat asset.Material, isNew bool) {
		id := mat.ID()
		p.update(h.ID, func(s *AssetState) {
			s.Presented = &id
			s.Assigned++
		})
		p.logger.Printf("pipeline: %s presents material %d (%s, new=%t)", h, id, mat.Name(), isNew)
		if next != nil {
			next(mat, isNew)
		}
	}
}

func (p *Pipeline) observeChain(evt lod.Event) {
	p.update(evt.AssetID, func(s *AssetState) {
		s.Position = evt.Position
		s.Length = evt.Length
		switch evt.Kind {
		case lod.EventAssigned:
			if evt.Position > 0 {
				s.Status = StatusUpgrading
			}
		case lod.EventCompleted:
			s.Status = StatusComplete
		case lod.EventFailed:
			s.Status = StatusFailed
		case lod.EventCancelled:
			s.Status = StatusCancelled
		}
		if evt.Err != nil {
			s.Error = evt.Err.Error()
		}
	})
	out := progress.FromChain(evt)
	p.book.Record(out)
	p.router.Publish(out)
}

func (p *Pipeline) update(id int, fn func(*AssetState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.assets[id]
	if !ok {
		return
	}
	fn(state)
	state.UpdatedAt = time.Now()
}

// handleReady runs once the last blocking token is gone: the cheapest
// content is in place, and after one frame the host can accept upgrades.
func (p *Pipeline) handleReady() {
	p.logger.Printf("pipeline: ready, render-ready in %s", p.frame)
	ready := progress.Event{Kind: progress.KindPipelineReady}
	p.book.Record(ready)
	p.router.Publish(ready)
	p.loop.AfterFunc(p.frame, p.frameTick)
}

// frameTick alternates the gate between a rendered frame (open) and a frame
// in flight (closed) until the pipeline completes, then leaves it open.
func (p *Pipeline) frameTick() {
	select {
	case <-p.done:
		p.gate.MarkRenderReady()
		return
	default:
	}
	if p.gate.IsRenderReady() {
		p.gate.Reset()
	} else {
		p.gate.MarkRenderReady()
	}
	p.loop.AfterFunc(p.frame, p.frameTick)
}

func (p *Pipeline) handleComplete() {
	p.doneOnce.Do(func() {
		p.logger.Printf("pipeline: complete")
		complete := progress.Event{Kind: progress.KindPipelineComplete}
		p.book.Record(complete)
		p.router.Publish(complete)
		close(p.done)
	})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
