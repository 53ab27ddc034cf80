package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time stands still until Advance is called,
// unless AutoAdvance is enabled, in which case every After(d) call moves the
// clock forward by d and fires immediately. Auto mode suits single-threaded
// polling loops where the sleep is the only suspension point.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	current     time.Time
	autoAdvance bool
	waiters     []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// NewFake returns a Fake initialised to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// NewAutoFake returns a Fake whose sleeps advance time instantly.
func NewAutoFake(initial time.Time) *Fake {
	return &Fake{current: initial, autoAdvance: true}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter that fires once the clock passes now+d.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	if c.autoAdvance {
		c.current = c.current.Add(d)
		c.fireLocked()
		channel <- c.current
		return channel
	}

	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has passed.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireLocked()
}

// Set jumps the clock to t. Moving backwards simulates clock skew; waiters
// only fire when t passes their deadline.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.fireLocked()
}

// Pending returns the number of unfired waiters.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Fake) fireLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.current.Before(w.deadline) {
			w.channel <- c.current
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
