package lod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lodstream/internal/asset"
	"github.com/kingrea/lodstream/internal/eventloop"
	"github.com/kingrea/lodstream/internal/pending"
	"github.com/kingrea/lodstream/internal/readiness"
	"github.com/kingrea/lodstream/internal/throttle"
)

type stubMaterial struct {
	id       int
	textures []readiness.Resource
}

func (m *stubMaterial) ID() int                              { return m.id }
func (m *stubMaterial) Name() string                         { return fmt.Sprintf("material-%d", m.id) }
func (m *stubMaterial) ActiveTextures() []readiness.Resource { return m.textures }

type stubLoader struct {
	h        *harness
	latency  time.Duration
	textures map[int][]readiness.Resource
	failures map[int]error
	loads    []int
	// watchCtx makes loads fail with the context's error once it is done.
	watchCtx bool
}

func (l *stubLoader) LoadMaterial(ctx context.Context, id int, done asset.LoadFunc) {
	l.loads = append(l.loads, id)
	l.h.record("load %d", id)
	l.h.loop.AfterFunc(l.latency, func() {
		if l.watchCtx && ctx.Err() != nil {
			done(nil, false, ctx.Err())
			return
		}
		if err := l.failures[id]; err != nil {
			done(nil, false, err)
			return
		}
		done(&stubMaterial{id: id, textures: l.textures[id]}, true, nil)
	})
}

type recordingTracker struct {
	*pending.Tracker
	h *harness
}

func (r recordingTracker) AddBlocking(key any) {
	r.h.record("add blocking")
	r.Tracker.AddBlocking(key)
}

func (r recordingTracker) RemoveBlocking(key any) {
	r.h.record("remove blocking")
	r.Tracker.RemoveBlocking(key)
}

func (r recordingTracker) AddNonBlocking(key any) {
	r.h.record("add non-blocking %d", key.(PositionKey).Position)
	r.Tracker.AddNonBlocking(key)
}

func (r recordingTracker) RemoveNonBlocking(key any) {
	r.h.record("remove non-blocking %d", key.(PositionKey).Position)
	r.Tracker.RemoveNonBlocking(key)
}

func (r recordingTracker) SuppressFinalization() func() {
	r.h.record("suppress")
	release := r.Tracker.SuppressFinalization()
	return func() {
		r.h.record("release")
		release()
	}
}

type harness struct {
	t       *testing.T
	start   time.Time
	clock   *eventloop.ManualClock
	loop    *eventloop.Loop
	tracker *pending.Tracker
	gate    *readiness.Gate
	loader  *stubLoader
	ext     *Extension
	calls   []string
	events  []Event
	assigns []assignment
}

type assignment struct {
	id int
	at time.Time
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, start: time.Unix(1700000000, 0)}
	h.clock = eventloop.NewManualClock(h.start)
	h.loop = eventloop.New(eventloop.WithClock(h.clock.Now))
	h.tracker = pending.New()
	h.gate = readiness.NewGate(h.loop)
	h.loader = &stubLoader{h: h, textures: map[int][]readiness.Resource{}, failures: map[int]error{}}
	ext, err := New(Deps{
		Loader:    h.loader,
		Tracker:   recordingTracker{Tracker: h.tracker, h: h},
		Gate:      h.gate,
		Scheduler: h.loop,
		Pacer:     throttle.New(h.loop, delay),
		Observer:  func(evt Event) { h.events = append(h.events, evt) },
	})
	if err != nil {
		t.Fatalf("new extension: %v", err)
	}
	h.ext = ext
	return h
}

func (h *harness) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *harness) assign(m asset.Material, _ bool) {
	h.record("assign %d", m.ID())
	h.assigns = append(h.assigns, assignment{id: m.ID(), at: h.clock.Now()})
}

func (h *harness) claim(ctx context.Context, handle *asset.Handle) bool {
	claimed := false
	_ = h.loop.Submit(func() { claimed = h.ext.TryClaim(ctx, handle, h.assign) })
	h.loop.RunUntilIdle()
	return claimed
}

func lodHandle(id int, ids ...any) *asset.Handle {
	return asset.NewHandle(id, "", map[string]any{Name: map[string]any{"ids": ids}})
}

func (h *harness) callsAfterSetup() []string {
	for i, call := range h.calls {
		if strings.HasPrefix(call, "load") {
			return h.calls[i:]
		}
	}
	return nil
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("call sequence mismatch\n got: %v\nwant: %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q\n got: %v", i, got[i], want[i], got)
		}
	}
}

func TestChainWalksFromLowestToOriginal(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	h.gate.MarkRenderReady()
	complete := false
	h.tracker.OnComplete(func() { complete = true })

	if !h.claim(context.Background(), lodHandle(0, 1, 2)) {
		t.Fatalf("expected claim")
	}
	assertSequence(t, h.calls[:5], []string{
		"add blocking",
		"add non-blocking 0",
		"add non-blocking 1",
		"add non-blocking 2",
		"load 2",
	})
	h.clock.Drain(h.loop)

	assertSequence(t, h.callsAfterSetup(), []string{
		"load 2",
		"assign 2",
		"remove non-blocking 2",
		"remove blocking",
		"suppress",
		"load 1",
		"assign 1",
		"remove non-blocking 1",
		"load 0",
		"assign 0",
		"remove non-blocking 0",
		"release",
	})
	if !complete {
		t.Fatalf("tracker should complete once the original variant lands")
	}
	snap := h.tracker.Snapshot()
	if snap.Stats.AddedBlocking != 1 || snap.Stats.RemovedBlocking != 1 {
		t.Fatalf("unexpected blocking stats %+v", snap.Stats)
	}
	if snap.Stats.AddedNonBlocking != 3 || snap.Stats.RemovedNonBlocking != 3 {
		t.Fatalf("unexpected non-blocking stats %+v", snap.Stats)
	}
	if snap.Suppression != 0 {
		t.Fatalf("suppression leaked: %d", snap.Suppression)
	}
	if active := h.ext.Active(); len(active) != 0 {
		t.Fatalf("chain still active: %v", active)
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventCompleted || last.Position != 0 || last.Err != nil {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestTokenCountsForLongChains(t *testing.T) {
	for n := 2; n <= 6; n++ {
		h := newHarness(t, 10*time.Millisecond)
		h.gate.MarkRenderReady()
		ids := make([]any, 0, n-1)
		for i := 1; i < n; i++ {
			ids = append(ids, i)
		}
		h.claim(context.Background(), lodHandle(0, ids...))
		h.clock.Drain(h.loop)
		snap := h.tracker.Snapshot()
		if snap.Stats.AddedNonBlocking != n || snap.Stats.RemovedNonBlocking != n {
			t.Fatalf("n=%d: unexpected non-blocking stats %+v", n, snap.Stats)
		}
		if snap.Stats.AddedBlocking != 1 || snap.Stats.RemovedBlocking != 1 {
			t.Fatalf("n=%d: unexpected blocking stats %+v", n, snap.Stats)
		}
		if len(h.assigns) != n {
			t.Fatalf("n=%d: %d assignments", n, len(h.assigns))
		}
		for i, a := range h.assigns {
			if a.id != n-1-i {
				t.Fatalf("n=%d: assignment %d was variant %d", n, i, a.id)
			}
		}
	}
}

func TestBlockingTokenReleasedAfterLowestVariant(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	handle := lodHandle(0, 1, 2)
	h.claim(context.Background(), handle)
	h.clock.Drain(h.loop)

	if len(h.assigns) != 1 || h.assigns[0].id != 2 {
		t.Fatalf("expected only the lowest variant assigned while the gate is closed, got %+v", h.assigns)
	}
	if h.tracker.HasBlocking(handle) {
		t.Fatalf("blocking token must be gone once the lowest variant is assigned")
	}
	if h.tracker.HasNonBlocking(PositionKey{AssetID: 0, Position: 2}) {
		t.Fatalf("non-blocking token for the lowest position must be gone")
	}
	for _, pos := range []int{0, 1} {
		if !h.tracker.HasNonBlocking(PositionKey{AssetID: 0, Position: pos}) {
			t.Fatalf("non-blocking token for position %d released early", pos)
		}
	}
	if !h.tracker.Snapshot().Ready {
		t.Fatalf("tracker should report ready after the lowest variant")
	}

	h.gate.MarkRenderReady()
	h.clock.Drain(h.loop)
	if len(h.assigns) != 3 {
		t.Fatalf("expected the chain to finish after the gate opened, got %+v", h.assigns)
	}
}

func TestUpgradesArePaced(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	h.gate.MarkRenderReady()
	h.claim(context.Background(), lodHandle(0, 1, 2, 3))
	h.clock.Drain(h.loop)
	if len(h.assigns) != 4 {
		t.Fatalf("expected 4 assignments, got %d", len(h.assigns))
	}
	for i := 1; i < len(h.assigns); i++ {
		gap := h.assigns[i].at.Sub(h.assigns[i-1].at)
		if gap < throttle.DefaultMinimalDelay {
			t.Fatalf("gap between assignment %d and %d = %s, want >= %s", i-1, i, gap, throttle.DefaultMinimalDelay)
		}
	}
}

func TestUpgradeWaitsForTextures(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.gate.MarkRenderReady()
	albedo := readiness.NewTexture("albedo-low")
	h.loader.textures[1] = []readiness.Resource{albedo}
	h.claim(context.Background(), lodHandle(0, 1))
	h.clock.Drain(h.loop)
	if len(h.assigns) != 1 {
		t.Fatalf("upgrade ran before textures were ready: %+v", h.assigns)
	}
	h.clock.Advance(time.Second)
	readyAt := h.clock.Now()
	albedo.MarkReady()
	h.clock.Drain(h.loop)
	if len(h.assigns) != 2 {
		t.Fatalf("expected upgrade after textures became ready, got %+v", h.assigns)
	}
	if gap := h.assigns[1].at.Sub(readyAt); gap < 100*time.Millisecond {
		t.Fatalf("pacing must start after textures are ready, gap %s", gap)
	}
}

func TestClaimConsumesDeclarationOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.gate.MarkRenderReady()
	handle := lodHandle(0, 1)
	if !h.claim(context.Background(), handle) {
		t.Fatalf("expected first claim")
	}
	if _, ok := handle.Extension(Name); ok {
		t.Fatalf("declaration must be cleared after a claim")
	}
	if h.claim(context.Background(), handle) {
		t.Fatalf("second claim must be a no-op")
	}
	h.clock.Drain(h.loop)
	if got := h.tracker.Snapshot().Stats.AddedBlocking; got != 1 {
		t.Fatalf("second claim added tokens: %d blocking", got)
	}
}

func TestMalformedDeclarationsAreIgnored(t *testing.T) {
	cases := map[string]map[string]any{
		"absent":    nil,
		"other":     {"KHR_other": map[string]any{}},
		"empty ids": {Name: map[string]any{"ids": []any{}}},
		"bad ids":   {Name: map[string]any{"ids": "1,2"}},
		"scalar":    {Name: 7},
	}
	for label, meta := range cases {
		h := newHarness(t, 0)
		handle := asset.NewHandle(0, label, meta)
		before := handle.ExtensionNames()
		if h.claim(context.Background(), handle) {
			t.Fatalf("%s: expected claim to be refused", label)
		}
		if after := handle.ExtensionNames(); len(after) != len(before) {
			t.Fatalf("%s: metadata changed from %v to %v", label, before, after)
		}
		if len(h.calls) != 0 {
			t.Fatalf("%s: unexpected collaborator calls %v", label, h.calls)
		}
	}
}

func TestLoadFailureAbortsAndReleasesTokens(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.gate.MarkRenderReady()
	h.loader.failures[1] = errors.New("disk on fire")
	complete := false
	h.tracker.OnComplete(func() { complete = true })
	handle := lodHandle(0, 1, 2)
	h.claim(context.Background(), handle)
	h.clock.Drain(h.loop)

	if len(h.assigns) != 1 || h.assigns[0].id != 2 {
		t.Fatalf("only the lowest variant should be assigned, got %+v", h.assigns)
	}
	for _, id := range h.loader.loads {
		if id == 0 {
			t.Fatalf("original variant must not load after a failure")
		}
	}
	snap := h.tracker.Snapshot()
	if snap.Blocking != 0 || snap.NonBlocking != 0 || snap.Suppression != 0 {
		t.Fatalf("tokens leaked after failure: %+v", snap)
	}
	if !complete {
		t.Fatalf("tracker should still complete after a failed chain")
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventFailed || last.Position != 1 || last.Err == nil {
		t.Fatalf("unexpected final event %+v", last)
	}
	if !strings.Contains(last.Err.Error(), "disk on fire") {
		t.Fatalf("error lost its cause: %v", last.Err)
	}
}

func TestFailureOfLowestVariantReleasesBlockingToken(t *testing.T) {
	h := newHarness(t, 0)
	h.loader.failures[1] = errors.New("missing buffer")
	handle := lodHandle(0, 1)
	h.claim(context.Background(), handle)
	h.clock.Drain(h.loop)
	if len(h.assigns) != 0 {
		t.Fatalf("nothing should be assigned, got %+v", h.assigns)
	}
	if h.tracker.HasBlocking(handle) {
		t.Fatalf("blocking token leaked")
	}
	if snap := h.tracker.Snapshot(); !snap.Ready || !snap.Complete {
		t.Fatalf("tracker should settle after the failure: %+v", snap)
	}
}

func TestCancelStopsPendingUpgrade(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	h.claim(context.Background(), lodHandle(4, 5, 6))
	h.clock.Drain(h.loop)
	if !h.ext.Cancel(4) {
		t.Fatalf("expected an active chain to cancel")
	}
	h.clock.Drain(h.loop)
	h.gate.MarkRenderReady()
	h.clock.Drain(h.loop)

	if len(h.assigns) != 1 {
		t.Fatalf("cancelled chain kept upgrading: %+v", h.assigns)
	}
	if snap := h.tracker.Snapshot(); snap.NonBlocking != 0 || snap.Blocking != 0 || snap.Suppression != 0 {
		t.Fatalf("tokens leaked after cancel: %+v", snap)
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventCancelled || !errors.Is(last.Err, ErrChainCancelled) {
		t.Fatalf("unexpected final event %+v", last)
	}
	if h.ext.Cancel(4) {
		t.Fatalf("finished chain must not cancel twice")
	}
}

func TestCancelDuringLoadDiscardsResult(t *testing.T) {
	h := newHarness(t, 0)
	h.loader.latency = 50 * time.Millisecond
	h.gate.MarkRenderReady()
	h.claim(context.Background(), lodHandle(0, 1))
	h.ext.Cancel(0)
	h.clock.Drain(h.loop)
	if len(h.assigns) != 0 {
		t.Fatalf("result of a cancelled load was assigned: %+v", h.assigns)
	}
	if snap := h.tracker.Snapshot(); snap.Blocking != 0 || snap.NonBlocking != 0 {
		t.Fatalf("tokens leaked: %+v", snap)
	}
}

func TestContextCancellationStopsChain(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	ctx, cancel := context.WithCancel(context.Background())
	h.claim(ctx, lodHandle(0, 1, 2))
	h.clock.Drain(h.loop)
	cancel()
	// Whichever runs first, the queued cancel or the next step, ends the
	// chain before another load is issued.
	h.gate.MarkRenderReady()
	h.clock.Drain(h.loop)
	if active := h.ext.Active(); len(active) != 0 {
		t.Fatalf("chain survived context cancellation: %v", active)
	}
	if len(h.loader.loads) != 1 {
		t.Fatalf("no load should follow cancellation, got %v", h.loader.loads)
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventCancelled || !errors.Is(last.Err, context.Canceled) || !errors.Is(last.Err, ErrChainCancelled) {
		t.Fatalf("unexpected final event %+v", last)
	}
	if snap := h.tracker.Snapshot(); snap.Blocking != 0 || snap.NonBlocking != 0 || snap.Suppression != 0 {
		t.Fatalf("tokens leaked: %+v", snap)
	}
}

func TestContextCancelledDuringLoadReportsCancellation(t *testing.T) {
	h := newHarness(t, 0)
	h.loader.latency = 50 * time.Millisecond
	h.loader.watchCtx = true
	ctx, cancel := context.WithCancel(context.Background())
	h.claim(ctx, lodHandle(0, 1, 2))
	if len(h.loader.loads) != 1 {
		t.Fatalf("expected the lowest variant in flight, got %v", h.loader.loads)
	}
	cancel()
	h.clock.Drain(h.loop)

	if len(h.assigns) != 0 {
		t.Fatalf("cancelled load was assigned: %+v", h.assigns)
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventCancelled {
		t.Fatalf("expected a cancelled event, got %+v", last)
	}
	if !errors.Is(last.Err, ErrChainCancelled) || !errors.Is(last.Err, context.Canceled) {
		t.Fatalf("error should wrap the cancellation and its cause: %v", last.Err)
	}
	for _, evt := range h.events {
		if evt.Kind == EventFailed {
			t.Fatalf("cancellation reported as failure: %+v", evt)
		}
	}
	if snap := h.tracker.Snapshot(); snap.Blocking != 0 || snap.NonBlocking != 0 || snap.Suppression != 0 {
		t.Fatalf("tokens leaked: %+v", snap)
	}
}

func TestCancelReachesEveryChainOfAnAsset(t *testing.T) {
	h := newHarness(t, throttle.DefaultMinimalDelay)
	first := lodHandle(0, 1, 2)
	second := lodHandle(0, 1, 2)
	_ = h.loop.Submit(func() {
		h.ext.TryClaim(context.Background(), first, h.assign)
		h.ext.TryClaim(context.Background(), second, h.assign)
	})
	h.clock.Drain(h.loop)
	if active := h.ext.Active(); len(active) != 2 || active[0] != 0 || active[1] != 0 {
		t.Fatalf("expected two chains for asset 0, got %v", active)
	}
	if !h.ext.Cancel(0) {
		t.Fatalf("expected cancel to find the chains")
	}
	h.gate.MarkRenderReady()
	h.clock.Drain(h.loop)

	if active := h.ext.Active(); len(active) != 0 {
		t.Fatalf("a chain survived cancel: %v", active)
	}
	if len(h.assigns) != 2 {
		t.Fatalf("only the two lowest variants should be assigned, got %+v", h.assigns)
	}
	cancelled := 0
	for _, evt := range h.events {
		switch evt.Kind {
		case EventCancelled:
			cancelled++
		case EventCompleted:
			t.Fatalf("a cancelled asset completed: %+v", evt)
		}
	}
	if cancelled != 2 {
		t.Fatalf("cancelled events = %d, want 2", cancelled)
	}
	if h.ext.Cancel(0) {
		t.Fatalf("nothing left to cancel")
	}
}

type lineLogger chan string

func (l lineLogger) Printf(format string, args ...any) {
	select {
	case l <- fmt.Sprintf(format, args...):
	default:
	}
}

func TestCancelOnStoppedLoopIsReported(t *testing.T) {
	loop := eventloop.New()
	logs := make(lineLogger, 8)
	ext, err := New(Deps{
		Loader:    nopLoader{},
		Tracker:   pending.New(),
		Gate:      readiness.NewGate(loop),
		Scheduler: loop,
		Pacer:     throttle.New(loop, 0),
		Logger:    logs,
	})
	if err != nil {
		t.Fatalf("new extension: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = loop.Submit(func() { ext.TryClaim(ctx, lodHandle(3, 4), nil) })
	loop.RunUntilIdle()
	for len(logs) > 0 {
		<-logs
	}
	loop.Stop()

	if ext.Cancel(3) {
		t.Fatalf("cancel cannot be queued on a stopped loop")
	}
	if line := <-logs; !strings.Contains(line, "cannot cancel asset 3") {
		t.Fatalf("unexpected log line %q", line)
	}
	cancel()
	select {
	case line := <-logs:
		if !strings.Contains(line, "cannot cancel") {
			t.Fatalf("unexpected log line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("context cancellation on a stopped loop was not reported")
	}
}

type nopLoader struct{}

func (nopLoader) LoadMaterial(context.Context, int, asset.LoadFunc) {}

func TestIndependentChainsShareSuppression(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.gate.MarkRenderReady()
	complete := false
	h.tracker.OnComplete(func() { complete = true })
	fast := lodHandle(0, 1)
	slow := lodHandle(10, 11, 12, 13)
	_ = h.loop.Submit(func() {
		h.ext.TryClaim(context.Background(), fast, h.assign)
		h.ext.TryClaim(context.Background(), slow, h.assign)
	})
	h.loop.RunUntilIdle()
	if active := h.ext.Active(); len(active) != 2 {
		t.Fatalf("expected both chains active, got %v", active)
	}
	for i := 0; i < 1000 && len(h.ext.Active()) == 2; i++ {
		h.loop.RunUntilIdle()
		h.clock.Advance(10 * time.Millisecond)
	}
	if active := h.ext.Active(); len(active) != 1 || active[0] != 10 {
		t.Fatalf("expected only the slow chain active, got %v", active)
	}
	if complete {
		t.Fatalf("tracker completed while another asset was upgrading")
	}
	h.clock.Drain(h.loop)
	if !complete {
		t.Fatalf("tracker should complete once both chains finish")
	}
	if len(h.assigns) != 6 {
		t.Fatalf("expected 6 assignments, got %d", len(h.assigns))
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}
