package lod

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/lodstream/internal/asset"
	"github.com/kingrea/lodstream/internal/readiness"
)

// ErrChainCancelled marks a chain stopped before reaching the original
// variant because its context ended or Cancel was called.
var ErrChainCancelled = errors.New("lod: chain cancelled")

// Tracker is the slice of the pipeline's pending-work ledger a chain uses.
type Tracker interface {
	AddBlocking(key any)
	RemoveBlocking(key any)
	AddNonBlocking(key any)
	RemoveNonBlocking(key any)
	SuppressFinalization() (release func())
}

// RenderGate registers a one-shot callback for when the host can swap in new
// content.
type RenderGate interface {
	OnRenderReady(fn func())
}

// Pacer delays the next upgrade.
type Pacer interface {
	After(fn func()) (cancel func() bool)
}

// Logger records chain diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Deps wires the extension to its host pipeline.
type Deps struct {
	Loader    asset.Loader
	Tracker   Tracker
	Gate      RenderGate
	Scheduler readiness.Scheduler
	Pacer     Pacer
	Logger    Logger
	Observer  Observer
}

func (d Deps) validate() error {
	switch {
	case d.Loader == nil:
		return fmt.Errorf("lod: loader is required")
	case d.Tracker == nil:
		return fmt.Errorf("lod: tracker is required")
	case d.Gate == nil:
		return fmt.Errorf("lod: render gate is required")
	case d.Scheduler == nil:
		return fmt.Errorf("lod: scheduler is required")
	case d.Pacer == nil:
		return fmt.Errorf("lod: pacer is required")
	}
	return nil
}

// PositionKey identifies the non-blocking token held for one chain position.
type PositionKey struct {
	AssetID  int
	Position int
}

func (k PositionKey) String() string {
	return fmt.Sprintf("lod(asset=%d position=%d)", k.AssetID, k.Position)
}

// Extension claims assets that declare MSFT_lod and drives their chains.
type Extension struct {
	deps Deps

	mu     sync.Mutex
	chains map[*asset.Handle]*chain
}

// New validates deps and returns an idle extension.
func New(deps Deps) (*Extension, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	return &Extension{deps: deps, chains: map[*asset.Handle]*chain{}}, nil
}

// Name returns the extension key.
func (e *Extension) Name() string {
	return Name
}

// LoadMaterial satisfies the host's extension contract; see TryClaim.
func (e *Extension) LoadMaterial(ctx context.Context, h *asset.Handle, assign asset.AssignFunc) bool {
	return e.TryClaim(ctx, h, assign)
}

// TryClaim takes over loading h when it declares alternates. It returns
// false, leaving h untouched, when the declaration is absent or malformed.
// A claimed handle has its declaration cleared, so claiming it again is a
// no-op. Must be called on the event loop.
func (e *Extension) TryClaim(ctx context.Context, h *asset.Handle, assign asset.AssignFunc) bool {
	if h == nil {
		return false
	}
	raw, ok := h.Extension(Name)
	if !ok {
		return false
	}
	decl, err := ParseDeclaration(raw)
	if err != nil {
		e.deps.Logger.Printf("%s: ignoring declaration on %s: %v", Name, h, err)
		return false
	}
	if _, ok := h.TakeExtension(Name); !ok {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if assign == nil {
		assign = func(asset.Material, bool) {}
	}

	variants := make([]int, 0, len(decl.IDs)+1)
	variants = append(variants, h.ID)
	variants = append(variants, decl.IDs...)
	c := &chain{
		ext:      e,
		ctx:      ctx,
		handle:   h,
		variants: variants,
		position: len(variants) - 1,
		assign:   assign,
		held:     make(map[int]bool, len(variants)),
		started:  time.Now(),
	}

	e.deps.Tracker.AddBlocking(h)
	c.holdsBlocking = true
	for pos := range variants {
		e.deps.Tracker.AddNonBlocking(PositionKey{AssetID: h.ID, Position: pos})
		c.held[pos] = true
	}

	e.mu.Lock()
	e.chains[h] = c
	e.mu.Unlock()

	c.stopWatch = context.AfterFunc(ctx, func() {
		if err := e.deps.Scheduler.Submit(func() { c.cancel(ctx.Err()) }); err != nil {
			e.deps.Logger.Printf("%s: cannot cancel %s: %v", Name, h, err)
		}
	})
	e.deps.Logger.Printf("%s: claimed %s with %d variants %v", Name, h, len(variants), variants)
	c.emit(Event{Kind: EventClaimed, Variant: variants[c.position], Position: c.position})
	c.step()
	return true
}

// Cancel stops every active chain for assetID before its next load. It
// reports whether any cancel was queued.
func (e *Extension) Cancel(assetID int) bool {
	e.mu.Lock()
	var targets []*chain
	for h, c := range e.chains {
		if h.ID == assetID {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()
	if len(targets) == 0 {
		return false
	}
	err := e.deps.Scheduler.Submit(func() {
		for _, c := range targets {
			c.cancel(nil)
		}
	})
	if err != nil {
		e.deps.Logger.Printf("%s: cannot cancel asset %d: %v", Name, assetID, err)
		return false
	}
	return true
}

// Active lists the asset ids whose chains have not finished, one entry per
// chain.
func (e *Extension) Active() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.chains))
	for h := range e.chains {
		ids = append(ids, h.ID)
	}
	sort.Ints(ids)
	return ids
}

func (e *Extension) forget(c *chain) {
	e.mu.Lock()
	if e.chains[c.handle] == c {
		delete(e.chains, c.handle)
	}
	e.mu.Unlock()
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
