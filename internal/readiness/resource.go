package readiness

import "sync"

// Resource is anything the renderer needs loaded before content using it can
// be shown.
type Resource interface {
	ID() string
	IsReady() bool
	// OnReady runs fn once the resource is ready, immediately when it
	// already is.
	OnReady(fn func())
}

// WhenAllReady runs fn exactly once, on sched, after every resource reports
// ready. Nil entries are ignored; an empty or already-ready set still goes
// through sched.
func WhenAllReady(sched Scheduler, resources []Resource, fn func()) {
	if fn == nil {
		return
	}
	var waiting []Resource
	for _, res := range resources {
		if res == nil || res.IsReady() {
			continue
		}
		waiting = append(waiting, res)
	}
	var (
		mu        sync.Mutex
		remaining = len(waiting)
		once      sync.Once
	)
	fire := func() {
		once.Do(func() {
			if sched != nil {
				_ = sched.Submit(fn)
			}
		})
	}
	if remaining == 0 {
		fire()
		return
	}
	for _, res := range waiting {
		res.OnReady(func() {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				fire()
			}
		})
	}
}

// Texture is a Resource whose readiness is flipped by its owner.
type Texture struct {
	id string

	mu      sync.Mutex
	ready   bool
	waiters []func()
}

// NewTexture returns a texture that is not yet ready.
func NewTexture(id string) *Texture {
	return &Texture{id: id}
}

// ID returns the texture identifier.
func (t *Texture) ID() string { return t.id }

// IsReady reports whether the texture finished loading.
func (t *Texture) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// OnReady runs fn once the texture is ready.
func (t *Texture) OnReady(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		fn()
		return
	}
	t.waiters = append(t.waiters, fn)
	t.mu.Unlock()
}

// MarkReady flags the texture as loaded and runs its waiters.
func (t *Texture) MarkReady() {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return
	}
	t.ready = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}
