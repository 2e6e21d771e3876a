package testutil

import (
	"sync"
	"time"
)

// Epoch is the time a ManualClock starts at: 2024-01-01T00:00:00Z.
var Epoch = time.UnixMilli(1704067200000).UTC()

// ManualClock is a thread-safe clock for tests. It only moves when told
// to, or by Step after every Now when a step is set.
//
// Clients and servers take it through their WithClock option, so mutation
// timestamps and lease expiry are reproducible across runs.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock returns a clock at Epoch that advances step after every
// call to Now. A zero step freezes the clock.
func NewManualClock(step time.Duration) *ManualClock {
	return &ManualClock{now: Epoch, step: step}
}

// Now returns the current time, then advances by the step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *ManualClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to Epoch.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
