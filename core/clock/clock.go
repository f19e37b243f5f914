// Package clock provides the millisecond timestamps used for user
// registrations and chat messages.
package clock

import (
	"sync"
	"time"
)

// Clock generates Unix epoch timestamps in milliseconds. NowUnique returns
// strictly increasing values even when called several times within the same
// millisecond.
type Clock struct {
	mu         sync.Mutex
	lastUnique int64
	nowFn      func() int64 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// Now returns the current Unix epoch time in milliseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// Set overrides the clock source with a fixed base that keeps advancing
// with wall-clock time from the moment Set was called.
func (c *Clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() int64 {
		return ms + time.Since(base).Milliseconds()
	}
}

// SetFunc replaces the clock source entirely. Tests use it to freeze time.
func (c *Clock) SetFunc(fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = fn
}

// NowUnique returns a strictly increasing timestamp. If the clock hasn't
// advanced past the last returned value, the last value is bumped by one.
func (c *Clock) NowUnique() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}

// Time converts a millisecond timestamp to a time.Time.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}
