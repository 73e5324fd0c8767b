// Package clock abstracts time so that aging, TTL and windowing logic in the
// rest of the module can be driven deterministically from tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source the translation cache reads for TTL checks and
// the registry reads for session expiry stamps. Production code uses
// SystemClock; tests drive VirtualClock. The gate takes now as a parameter
// instead, and the pipeline and server pass time.Now() to Registry.Get.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock, backed by the real monotonic clock.
type SystemClock struct{}

// NewSystemClock returns a Clock backed by the real wall clock.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// VirtualClock is a manually-advanced Clock for deterministic tests. Timers
// registered via After fire when Advance moves the clock at or past their
// deadline.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []virtualWaiter
}

type virtualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtualClock returns a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, virtualWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the virtual clock forward by d, firing any timers whose
// deadline has been reached.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// Set moves the virtual clock to an absolute time, firing timers as Advance does.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	d := t.Sub(c.now)
	c.mu.Unlock()
	if d > 0 {
		c.Advance(d)
	}
}
