package mutation

import (
	"sync"
	"time"
)

// TimeSource reads wall time in milliseconds.
type TimeSource interface {
	NowMillis() int64
}

// SystemTime is the system wall clock.
type SystemTime struct{}

func (SystemTime) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Clock stamps mutation events with strictly increasing creation times.
//
// Stamps follow wall time in milliseconds, but never repeat or go
// backwards: when wall time stalls or steps back the clock advances by one
// from the previous stamp. Restarting from the largest stamp in the queue
// keeps order across process restarts.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	src  TimeSource
	last int64
}

// NewClock creates a clock over src. A nil src is SystemTime.
func NewClock(src TimeSource) *Clock {
	if src == nil {
		src = SystemTime{}
	}
	return &Clock{src: src}
}

// NewClockAt creates a clock whose next stamp is after last.
func NewClockAt(src TimeSource, last int64) *Clock {
	c := NewClock(src)
	c.last = last
	return c
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.src.NowMillis()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe moves the clock past t if it is behind.
func (c *Clock) Observe(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.last {
		c.last = t
	}
}

// Current returns the last stamp issued.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
