package engine

import "time"

// RetryPolicy governs queue entries the remote refused.
//
// Connectivity failures are retried without limit and without backoff; the
// drain simply stops. Rejections back off exponentially and are moved to
// FAILED after MaxRejections attempts.
type RetryPolicy struct {
	Base          time.Duration
	Max           time.Duration
	MaxRejections int
}

// DefaultRetryPolicy returns 1s doubling up to 5m, dead-lettering after 5
// rejections.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 5 * time.Minute, MaxRejections: 5}
}

// Backoff returns the wait before attempt n+1 after n rejections.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		return p.Max
	}
	d := p.Base << (n - 1)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		return p.Max
	}
	return d
}
