// Package clock abstracts the time operations the heartbeat cycle depends
// on so tests can drive ping cadence without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by session loops.
type Clock interface {
	Now() time.Time

	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stepping returns a fake clock that starts at initial. Time only moves
// through Advance or After: every After call jumps the clock forward by d
// and fires immediately, so a loop that sleeps through the clock runs at
// full speed while still observing consistent elapsed time.
func Stepping(initial time.Time) *SteppingClock {
	return &SteppingClock{current: initial}
}

// SteppingClock is safe for concurrent use.
type SteppingClock struct {
	mu      sync.Mutex
	current time.Time
	slept   []time.Duration
}

func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SteppingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
		c.slept = append(c.slept, d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

// Advance moves the clock forward without recording a sleep.
func (c *SteppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Sleeps returns every duration passed to After, in call order.
func (c *SteppingClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}
