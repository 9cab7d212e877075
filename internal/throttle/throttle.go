// Package throttle spaces successive upgrades of the same asset apart by a
// minimal wall-clock delay.
package throttle

import "time"

// DefaultMinimalDelay is the pause between two upgrades when nothing else is
// configured.
const DefaultMinimalDelay = 250 * time.Millisecond

// Timers schedules a callback after a delay without blocking the caller.
type Timers interface {
	AfterFunc(d time.Duration, task func()) (cancel func() bool)
}

// Throttle fires callbacks after a fixed delay.
type Throttle struct {
	delay  time.Duration
	timers Timers
}

// New returns a throttle using delay. Negative delays fall back to
// DefaultMinimalDelay; zero means "on the next loop turn".
func New(timers Timers, delay time.Duration) *Throttle {
	if delay < 0 {
		delay = DefaultMinimalDelay
	}
	return &Throttle{delay: delay, timers: timers}
}

// Delay returns the configured pause.
func (t *Throttle) Delay() time.Duration {
	return t.delay
}

// After runs fn once, no sooner than Delay from now.
func (t *Throttle) After(fn func()) (cancel func() bool) {
	return t.timers.AfterFunc(t.delay, fn)
}
