package readiness

import "sync"

// Scheduler queues a callback on the pipeline's event loop.
type Scheduler interface {
	Submit(task func()) error
}

// Gate fires one-shot callbacks once the host reports it is render-ready.
type Gate struct {
	mu      sync.Mutex
	ready   bool
	pending []func()
	sched   Scheduler
}

// NewGate returns a closed gate that schedules late registrations on sched.
func NewGate(sched Scheduler) *Gate {
	return &Gate{sched: sched}
}

// OnRenderReady runs fn once the gate is open. Registrations made while the
// gate is already open are scheduled on the loop rather than run inline, so
// callers never re-enter themselves.
func (g *Gate) OnRenderReady(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	if !g.ready {
		g.pending = append(g.pending, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	if g.sched != nil {
		_ = g.sched.Submit(fn)
	}
}

// MarkRenderReady opens the gate and runs every waiting callback in
// registration order. It must be called from the loop.
func (g *Gate) MarkRenderReady() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	waiting := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, fn := range waiting {
		fn()
	}
}

// IsRenderReady reports whether the gate has been opened.
func (g *Gate) IsRenderReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Waiting reports how many callbacks are registered on a closed gate.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Reset closes the gate again, typically when a new frame begins.
// Callbacks registered afterwards wait for the next MarkRenderReady.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.ready = false
	g.mu.Unlock()
}
