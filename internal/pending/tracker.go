// Package pending counts the outstanding asynchronous work of a loading
// pipeline. Blocking tokens hold back the "ready" notification, every token
// holds back "complete", and finalization can be suppressed while assets are
// still upgrading between tokens.
package pending

import (
	"fmt"
	"sync"
)

// Logger records tracker diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Tracker is the pipeline-wide pending-work ledger. It is shared by every
// asset being loaded and is safe for concurrent use, although the pipeline
// only touches it from its event loop.
type Tracker struct {
	mu          sync.Mutex
	blocking    map[any]int
	nonBlocking map[any]int
	suppression int
	stats       Stats

	readyFired    bool
	completeFired bool
	onReady       []func()
	onComplete    []func()

	logger Logger
}

// Stats counts every token operation since the tracker was created.
type Stats struct {
	AddedBlocking      int `json:"added_blocking"`
	RemovedBlocking    int `json:"removed_blocking"`
	AddedNonBlocking   int `json:"added_non_blocking"`
	RemovedNonBlocking int `json:"removed_non_blocking"`
}

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Blocking    int   `json:"blocking"`
	NonBlocking int   `json:"non_blocking"`
	Suppression int   `json:"suppression"`
	Ready       bool  `json:"ready"`
	Complete    bool  `json:"complete"`
	Stats       Stats `json:"stats"`
}

// Option customizes Tracker construction.
type Option func(*Tracker)

// WithLogger injects a logger for unbalanced removals.
func WithLogger(logger Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New returns an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		blocking:    map[any]int{},
		nonBlocking: map[any]int{},
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// AddBlocking registers a token the pipeline must wait for before it is ready.
func (t *Tracker) AddBlocking(key any) {
	t.mu.Lock()
	t.blocking[key]++
	t.stats.AddedBlocking++
	t.mu.Unlock()
}

// RemoveBlocking releases a token added with AddBlocking.
func (t *Tracker) RemoveBlocking(key any) {
	t.mu.Lock()
	if !release(t.blocking, key) {
		t.mu.Unlock()
		t.logger.Printf("pending: remove unknown blocking token %s", describe(key))
		return
	}
	t.stats.RemovedBlocking++
	t.mu.Unlock()
	t.notify()
}

// AddNonBlocking registers an informational token. It does not hold back
// readiness but does hold back completion.
func (t *Tracker) AddNonBlocking(key any) {
	t.mu.Lock()
	t.nonBlocking[key]++
	t.stats.AddedNonBlocking++
	t.mu.Unlock()
}

// RemoveNonBlocking releases a token added with AddNonBlocking.
func (t *Tracker) RemoveNonBlocking(key any) {
	t.mu.Lock()
	if !release(t.nonBlocking, key) {
		t.mu.Unlock()
		t.logger.Printf("pending: remove unknown non-blocking token %s", describe(key))
		return
	}
	t.stats.RemovedNonBlocking++
	t.mu.Unlock()
	t.notify()
}

// SuppressFinalization holds back the completion notification until the
// returned release func is called. Suppressions nest, so each caller only
// undoes its own; calling release more than once has no further effect.
func (t *Tracker) SuppressFinalization() (release func()) {
	t.mu.Lock()
	t.suppression++
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.suppression--
			t.mu.Unlock()
			t.notify()
		})
	}
}

// Suppressed reports whether any caller currently suppresses finalization.
func (t *Tracker) Suppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppression > 0
}

// HasBlocking reports whether key still holds a blocking token.
func (t *Tracker) HasBlocking(key any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocking[key] > 0
}

// HasNonBlocking reports whether key still holds a non-blocking token.
func (t *Tracker) HasNonBlocking(key any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonBlocking[key] > 0
}

// OnReady registers fn to run once the last blocking token is removed. It
// runs immediately if that already happened.
func (t *Tracker) OnReady(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.readyFired {
		t.mu.Unlock()
		fn()
		return
	}
	t.onReady = append(t.onReady, fn)
	t.mu.Unlock()
}

// OnComplete registers fn to run once every token is gone and nothing
// suppresses finalization. It runs immediately if that already happened.
func (t *Tracker) OnComplete(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.completeFired {
		t.mu.Unlock()
		fn()
		return
	}
	t.onComplete = append(t.onComplete, fn)
	t.mu.Unlock()
}

// Snapshot reports the current counts.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Blocking:    total(t.blocking),
		NonBlocking: total(t.nonBlocking),
		Suppression: t.suppression,
		Ready:       t.readyFired,
		Complete:    t.completeFired,
		Stats:       t.stats,
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	var fire []func()
	if !t.readyFired && t.stats.AddedBlocking > 0 && len(t.blocking) == 0 {
		t.readyFired = true
		fire = append(fire, t.onReady...)
		t.onReady = nil
	}
	if !t.completeFired && t.suppression == 0 && len(t.blocking) == 0 && len(t.nonBlocking) == 0 &&
		t.stats.AddedBlocking+t.stats.AddedNonBlocking > 0 {
		t.completeFired = true
		fire = append(fire, t.onComplete...)
		t.onComplete = nil
	}
	t.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

func release(tokens map[any]int, key any) bool {
	count, ok := tokens[key]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(tokens, key)
		return true
	}
	tokens[key] = count - 1
	return true
}

func total(tokens map[any]int) int {
	n := 0
	for _, count := range tokens {
		n += count
	}
	return n
}

func describe(key any) string {
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
