package progress

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lodstream/internal/lod"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	router.Publish(Event{Kind: string(lod.EventClaimed), AssetName: "brick", Length: 3, Position: 2})
	router.Publish(Event{Kind: string(lod.EventLoading), AssetName: "brick", Length: 3, Position: 2})
	sub := router.Subscribe()
	defer sub.Close()
	got1 := <-sub.Events
	if got1.Kind != string(lod.EventClaimed) || got1.Sequence != 1 {
		t.Fatalf("expected first buffered event, got %+v", got1)
	}
	got2 := <-sub.Events
	if got2.Kind != string(lod.EventLoading) || got2.Sequence != 2 {
		t.Fatalf("expected second buffered event, got %+v", got2)
	}
	if got1.ID == "" || got1.ID == got2.ID {
		t.Fatalf("expected distinct generated ids, got %q and %q", got1.ID, got2.ID)
	}
	if got1.RunID != router.RunID() {
		t.Fatalf("run id = %q, want %q", got1.RunID, router.RunID())
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe()
	defer sub.Close()
	event := Event{ID: "evt-1", Kind: string(lod.EventAssigned)}
	router.Publish(event)
	router.Publish(event)
	select {
	case got := <-sub.Events:
		if got.ID != event.ID {
			t.Fatalf("unexpected event: %s", got.ID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterDropsInvalidEvents(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe()
	defer sub.Close()
	router.Publish(Event{Kind: "  "})
	select {
	case got := <-sub.Events:
		t.Fatalf("invalid event delivered: %+v", got)
	default:
	}
}

func TestRouterKeepsTerminalEventsOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe()
	defer sub.Close()
	router.Publish(Event{ID: "evt-1", Kind: string(lod.EventLoading)})
	router.Publish(Event{ID: "evt-2", Kind: string(lod.EventCompleted)})
	if got := <-sub.Events; got.ID != "evt-2" {
		t.Fatalf("expected terminal event to replace oldest, got %s", got.ID)
	}

	router.Publish(Event{ID: "evt-3", Kind: string(lod.EventFailed)})
	router.Publish(Event{ID: "evt-4", Kind: string(lod.EventScheduled)})
	if got := <-sub.Events; got.ID != "evt-3" {
		t.Fatalf("expected terminal event to survive, got %s", got.ID)
	}
	select {
	case got := <-sub.Events:
		t.Fatalf("unexpected extra event %s", got.ID)
	default:
	}
}

func TestRouterCloseEndsSubscriptions(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe()
	router.Close()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel")
	}
	router.Publish(Event{Kind: KindPipelineComplete})
	late := router.Subscribe()
	if _, ok := <-late.Events; ok {
		t.Fatalf("subscriptions after close must be closed")
	}
}

func TestFromChainCarriesError(t *testing.T) {
	fixed := time.Unix(1730000000, 0)
	router := NewRouter(RouterWithClock(func() time.Time { return fixed }))
	sub := router.Subscribe()
	defer sub.Close()
	router.Publish(FromChain(lod.Event{
		Kind:      lod.EventFailed,
		AssetID:   4,
		AssetName: "glass",
		Variant:   5,
		Position:  1,
		Length:    3,
		Err:       errors.New("decode failed"),
	}))
	got := <-sub.Events
	if !got.Time.Equal(fixed) {
		t.Fatalf("time = %s, want %s", got.Time, fixed)
	}
	if !got.Terminal() {
		t.Fatalf("failed events are terminal")
	}
	desc := got.Describe()
	if !strings.Contains(desc, "glass failed variant 5 (step 2/3)") || !strings.Contains(desc, "decode failed") {
		t.Fatalf("unexpected description %q", desc)
	}
}
