package progress

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 256
	defaultDedupeWindow       = 1024
)

// Logger records router diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans progress events out to subscribers with buffering,
// deduplication, and bounded channel semantics. Events published before the
// first subscription are kept in a backlog and replayed to it.
type Router struct {
	mu          sync.RWMutex
	runID       string
	sequence    int64
	subscribers map[*subscriber]struct{}
	backlog     []Event
	recentIDs   map[string]struct{}
	recentOrder []string
	closed      bool

	channelSize  int
	backlogLimit int
	dedupeWindow int
	clock        func() time.Time
	logger       Logger
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router for one pipeline run.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		runID:        uuid.NewString(),
		subscribers:  map[*subscriber]struct{}{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// RouterWithClock allows tests to control timestamps.
func RouterWithClock(clock func() time.Time) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// RunID identifies the pipeline run this router serves.
func (r *Router) RunID() string {
	return r.runID
}

// Subscribe registers a new subscriber and replays the backlog to it.
func (r *Router) Subscribe() Subscription {
	sub := newSubscriber(r.channelSize, r.logger)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.channel()}
	}
	r.subscribers[sub] = struct{}{}
	backlog := r.backlog
	r.backlog = nil
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(sub)
		},
	}
}

// Publish stamps the event with an id, sequence number and time when they
// are missing, then delivers it to subscribers or buffers it when no
// subscriber exists. Invalid and duplicate events are dropped.
func (r *Router) Publish(event Event) {
	event.Kind = strings.TrimSpace(event.Kind)
	if err := event.Validate(); err != nil {
		r.logf("progress: dropped invalid event: %v", err)
		return
	}
	if event.ID != "" && r.isDuplicate(event.ID) {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.sequence++
	event.Sequence = r.sequence
	event.RunID = r.runID
	if event.ID == "" {
		event.ID = newEventID()
		r.rememberLocked(event.ID)
	}
	if event.Time.IsZero() {
		event.Time = r.clock()
	}
	subs := r.snapshotSubscribers()
	if len(subs) == 0 {
		r.bufferLocked(event)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Close ends every subscription. Later events are discarded.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.snapshotSubscribers()
	r.subscribers = map[*subscriber]struct{}{}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (r *Router) snapshotSubscribers() []*subscriber {
	if len(r.subscribers) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(sub *subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	r.mu.Unlock()
	sub.close()
}

func (r *Router) bufferLocked(event Event) {
	r.backlog = append(r.backlog, event)
	if len(r.backlog) > r.backlogLimit {
		r.logf("progress: backlog full, dropped %s", r.backlog[0].Kind)
		r.backlog = r.backlog[1:]
	}
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.rememberLocked(eventID)
	return false
}

func (r *Router) rememberLocked(eventID string) {
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
}

func (r *Router) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

type subscriber struct {
	ch     chan Event
	logger Logger
	closed bool
	mu     sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks: when the buffer is full one of the oldest or the
// incoming event is dropped, keeping terminal events over step events.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
		return
	}
	s.ch <- oldest
	s.logDrop(event, "queue overflow:incoming")
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("progress: dropped %s (%s)", event.Kind, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	return !oldest.Terminal() || incoming.Terminal()
}
