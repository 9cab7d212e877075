package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLoopStopped is returned when work is submitted to a loop that has stopped.
var ErrLoopStopped = errors.New("eventloop: loop has been stopped")

// Logger records loop diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Loop runs submitted callbacks and timers on a single goroutine. Every
// callback observes the effects of the callbacks that ran before it, so code
// scheduled through a Loop never needs its own locking.
//
// # Thread Safety
//
// Submit, AfterFunc and Stop may be called from any goroutine. Tasks only ever
// run on the goroutine executing Run (or RunUntilIdle).
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	timers  timerHeap
	seq     uint64
	stopped bool
	running bool

	wake   chan struct{}
	clock  func() time.Time
	logger Logger
}

// Option customizes Loop construction.
type Option func(*Loop)

// WithClock overrides the time source used to decide when timers are due.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger injects a logger for recovered task panics.
func WithLogger(logger Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an idle loop. Call Run to start processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		clock:  time.Now,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Submit queues task to run on the loop goroutine after every task already
// queued.
func (l *Loop) Submit(task func()) error {
	if task == nil {
		return nil
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.signal()
	return nil
}

// AfterFunc schedules task to run on the loop once at least d has elapsed.
// The returned function cancels the timer and reports whether it was still
// pending.
func (l *Loop) AfterFunc(d time.Duration, task func()) (cancel func() bool) {
	if task == nil {
		return func() bool { return false }
	}
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return func() bool { return false }
	}
	l.seq++
	t := &timer{when: l.clock().Add(d), seq: l.seq, task: task}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if t.index < 0 {
			return false
		}
		heap.Remove(&l.timers, t.index)
		return true
	}
}

// Run processes tasks until ctx is cancelled or Stop is called. It returns
// nil after Stop and ctx.Err() after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("eventloop: loop is already running")
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		if l.isStopped() {
			return nil
		}
		if l.turn() > 0 {
			continue
		}
		wait := time.Hour
		if next, ok := l.NextDeadline(); ok {
			wait = next.Sub(l.clock())
			if wait < 0 {
				wait = 0
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-idle.C:
		}
	}
}

// RunUntilIdle runs queued tasks and due timers on the calling goroutine
// until nothing else is runnable right now. It returns how many tasks ran.
// Tests drive loops this way together with a ManualClock.
func (l *Loop) RunUntilIdle() int {
	total := 0
	for {
		n := l.turn()
		if n == 0 {
			return total
		}
		total += n
	}
}

// NextDeadline reports when the earliest pending timer is due.
func (l *Loop) NextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

// Pending reports how many tasks and timers are waiting.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + len(l.timers)
}

// Stop terminates Run and rejects further work. Queued tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// turn moves due timers behind the queued tasks and runs that batch. Tasks
// submitted while the batch runs wait for the next turn.
func (l *Loop) turn() int {
	l.mu.Lock()
	now := l.clock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		l.queue = append(l.queue, t.task)
	}
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, task := range batch {
		if l.isStopped() {
			break
		}
		l.run(task)
	}
	return len(batch)
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("eventloop: recovered task panic: %v", r)
		}
	}()
	task()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type timer struct {
	when  time.Time
	seq   uint64
	index int
	task  func()
}

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
