package server

import "sync/atomic"

// Clock is the server's monotonic version counter. Each commit takes the
// next version; cookies are decimal versions.
//
// Only the Run loop advances it. Current is safe from any goroutine.
type Clock struct {
	v atomic.Int64
}

// NewClockAt returns a clock whose current version is v.
func NewClockAt(v int64) *Clock {
	c := &Clock{}
	c.v.Store(v)
	return c
}

// Next advances and returns the new version.
func (c *Clock) Next() int64 {
	return c.v.Add(1)
}

// Current returns the latest committed version.
func (c *Clock) Current() int64 {
	return c.v.Load()
}
