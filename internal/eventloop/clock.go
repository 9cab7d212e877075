package eventloop

import (
	"sync"
	"time"
)

// ManualClock is a time source that only moves when told to. Pair it with
// WithClock and RunUntilIdle to step a Loop deterministically.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t if t is later than the current reading.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// Drain runs l until no tasks remain, jumping the clock to each timer
// deadline in turn. It returns how many tasks ran.
func (c *ManualClock) Drain(l *Loop) int {
	total := 0
	for {
		total += l.RunUntilIdle()
		next, ok := l.NextDeadline()
		if !ok {
			return total
		}
		c.Set(next)
	}
}
