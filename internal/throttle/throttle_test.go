package throttle

import (
	"testing"
	"time"

	"github.com/kingrea/lodstream/internal/eventloop"
)

func TestNegativeDelayUsesDefault(t *testing.T) {
	th := New(eventloop.New(), -time.Second)
	if th.Delay() != DefaultMinimalDelay {
		t.Fatalf("delay = %s, want %s", th.Delay(), DefaultMinimalDelay)
	}
	if DefaultMinimalDelay != 250*time.Millisecond {
		t.Fatalf("default delay changed: %s", DefaultMinimalDelay)
	}
}

func TestAfterWaitsForDelay(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clock := eventloop.NewManualClock(start)
	loop := eventloop.New(eventloop.WithClock(clock.Now))
	th := New(loop, 100*time.Millisecond)
	var firedAt time.Time
	th.After(func() { firedAt = clock.Now() })
	clock.Advance(99 * time.Millisecond)
	loop.RunUntilIdle()
	if !firedAt.IsZero() {
		t.Fatalf("fired before the delay elapsed")
	}
	clock.Drain(loop)
	if got := firedAt.Sub(start); got < 100*time.Millisecond {
		t.Fatalf("fired after %s, want >= 100ms", got)
	}
}

func TestAfterCanBeCancelled(t *testing.T) {
	clock := eventloop.NewManualClock(time.Unix(1700000000, 0))
	loop := eventloop.New(eventloop.WithClock(clock.Now))
	th := New(loop, 0)
	fired := false
	cancel := th.After(func() { fired = true })
	cancel()
	clock.Drain(loop)
	if fired {
		t.Fatalf("cancelled callback fired")
	}
}
