package lod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/lodstream/internal/asset"
	"github.com/kingrea/lodstream/internal/readiness"
)

// chain is the state of one asset's walk from its lowest-fidelity variant
// (the last position) to the original (position 0). Every method runs on
// the event loop.
type chain struct {
	ext      *Extension
	ctx      context.Context
	handle   *asset.Handle
	variants []int
	position int
	assign   asset.AssignFunc
	started  time.Time

	held          map[int]bool
	holdsBlocking bool
	release       func()

	loading     bool
	cancelCause error
	cancelPacer func() bool
	stopWatch   func() bool
	done        bool
}

func (c *chain) last() int {
	return len(c.variants) - 1
}

// step issues the load for the current position.
func (c *chain) step() {
	if c.done {
		return
	}
	if err := c.ctx.Err(); err != nil {
		c.finish(fmt.Errorf("%w: %w", ErrChainCancelled, err))
		return
	}
	c.cancelPacer = nil
	if c.position < c.last() && c.release == nil {
		c.release = c.ext.deps.Tracker.SuppressFinalization()
	}
	variant := c.variants[c.position]
	c.loading = true
	c.emit(Event{Kind: EventLoading, Variant: variant, Position: c.position})
	c.ext.deps.Loader.LoadMaterial(c.ctx, variant, c.loaded)
}

// loaded handles the outcome of the current position's load. Any exit that
// does not schedule the next step finishes the chain, releasing whatever
// tokens it still holds.
func (c *chain) loaded(material asset.Material, isNew bool, err error) {
	c.loading = false
	if c.done {
		return
	}
	if c.cancelCause != nil {
		c.finish(c.cancelCause)
		return
	}
	// The loader may see the cancelled context before the watcher has
	// queued the cancel; that is still a cancellation, not a failure.
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		c.finish(fmt.Errorf("%w: %w", ErrChainCancelled, ctxErr))
		return
	}
	pos := c.position
	variant := c.variants[pos]
	if err == nil && material == nil {
		err = errors.New("loader returned no material")
	}
	if err != nil {
		c.finish(fmt.Errorf("lod: load variant %d (position %d) of %s: %w", variant, pos, c.handle, err))
		return
	}

	settled := false
	defer func() {
		if !settled {
			c.finish(fmt.Errorf("lod: assigning variant %d of %s did not return", variant, c.handle))
		}
	}()

	c.assign(material, isNew)
	c.releasePosition(pos)
	if pos == c.last() {
		c.releaseBlocking()
	}
	c.emit(Event{Kind: EventAssigned, Variant: variant, Position: pos, IsNew: isNew})
	if pos == 0 {
		settled = true
		c.finish(nil)
		return
	}
	c.awaitUpgrade(material.ActiveTextures())
	settled = true
}

// awaitUpgrade chains the render-ready gate, the texture gate and the pacer
// before the next position loads.
func (c *chain) awaitUpgrade(textures []readiness.Resource) {
	next := c.position - 1
	c.emit(Event{Kind: EventScheduled, Variant: c.variants[next], Position: next})
	c.ext.deps.Gate.OnRenderReady(func() {
		if c.done {
			return
		}
		readiness.WhenAllReady(c.ext.deps.Scheduler, textures, func() {
			if c.done {
				return
			}
			c.cancelPacer = c.ext.deps.Pacer.After(c.advance)
		})
	})
}

func (c *chain) advance() {
	if c.done {
		return
	}
	c.position--
	c.step()
}

// cancel stops the chain. A load already in flight is allowed to return
// first; its result is discarded.
func (c *chain) cancel(cause error) {
	if c.done || c.cancelCause != nil {
		return
	}
	err := ErrChainCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrChainCancelled, cause)
	}
	if c.loading {
		c.cancelCause = err
		return
	}
	c.finish(err)
}

func (c *chain) finish(err error) {
	if c.done {
		return
	}
	c.done = true
	if c.cancelPacer != nil {
		c.cancelPacer()
	}
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.ext.forget(c)

	evt := Event{Kind: EventCompleted, Variant: c.variants[c.position], Position: c.position, Err: err}
	switch {
	case errors.Is(err, ErrChainCancelled):
		evt.Kind = EventCancelled
		c.ext.deps.Logger.Printf("%s: %s cancelled at position %d: %v", Name, c.handle, c.position, err)
	case err != nil:
		evt.Kind = EventFailed
		c.ext.deps.Logger.Printf("%s: %s stopped at position %d: %v", Name, c.handle, c.position, err)
	default:
		c.ext.deps.Logger.Printf("%s: %s reached the original variant after %s", Name, c.handle, time.Since(c.started).Round(time.Millisecond))
	}
	c.emit(evt)

	for pos := c.last(); pos >= 0; pos-- {
		c.releasePosition(pos)
	}
	c.releaseBlocking()
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

func (c *chain) releasePosition(pos int) {
	if !c.held[pos] {
		return
	}
	delete(c.held, pos)
	c.ext.deps.Tracker.RemoveNonBlocking(PositionKey{AssetID: c.handle.ID, Position: pos})
}

func (c *chain) releaseBlocking() {
	if !c.holdsBlocking {
		return
	}
	c.holdsBlocking = false
	c.ext.deps.Tracker.RemoveBlocking(c.handle)
}

func (c *chain) emit(evt Event) {
	if c.ext.deps.Observer == nil {
		return
	}
	evt.AssetID = c.handle.ID
	evt.AssetName = c.handle.Name
	evt.Length = len(c.variants)
	c.ext.deps.Observer(evt)
}
