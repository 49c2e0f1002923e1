package engine

import "sync/atomic"

// Clock is the monotonic counter behind origin tokens.
//
// Every remote write made by the engine gets the next value, so tokens of
// one session never repeat and sort in write order. Wall-clock time is never
// used for provenance.
//
// Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
