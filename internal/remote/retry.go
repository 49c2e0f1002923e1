package remote

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/possync/internal/model"
)

// ErrPreconditionFailed is returned by Commit when a document changed after
// it was read.
var ErrPreconditionFailed = errors.New("remote: precondition failed")

// RetryPolicy retries an operation with exponential backoff.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultTxRetry is used for optimistic transaction retries: three attempts,
// waiting 200ms then 400ms.
var DefaultTxRetry = RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond, Max: 2 * time.Second}

// Delay returns the wait before retry n (1-based): Base * 2^n, capped at Max.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Do runs fn until it succeeds, retryable reports false, attempts run out,
// or ctx is cancelled. The last error is returned; cancellation during a
// wait is reported as a connectivity error so the caller retries later.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts {
			return err
		}
		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return model.NewConnectivityError("transaction", ctx.Err())
		case <-t.C:
		}
	}
	return err
}
