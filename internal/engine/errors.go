package engine

import (
	"errors"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

// ErrClosed is returned by operations on an engine after Shutdown.
var ErrClosed = errors.New("sync engine closed")

// contendedError marks a stock transaction that kept losing its
// preconditions to writes from other devices. Nothing was written, so the
// mutation stays queued and is replayed later.
type contendedError struct{ err error }

func (e *contendedError) Error() string { return "transaction contended: " + e.err.Error() }
func (e *contendedError) Unwrap() error { return e.err }

// contention wraps conflicts returned by an interceptor. Those come from a
// transaction that ran out of retries, not from a remote copy that should
// replace the local one.
func contention(err error) error {
	if model.IsConflict(err) || errors.Is(err, remote.ErrPreconditionFailed) {
		return &contendedError{err: err}
	}
	return err
}

func contended(err error) bool {
	var ce *contendedError
	return errors.As(err, &ce)
}

// superseded reports errors that mean the remote copy wins over the local
// intent.
func superseded(err error) bool {
	if contended(err) {
		return false
	}
	return model.IsConflict(err) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, remote.ErrPreconditionFailed)
}

// refused reports errors that keep an entry in the queue with backoff.
func refused(err error) bool {
	if model.IsRejection(err) {
		return true
	}
	_, ok := model.AsInsufficientStock(err)
	return ok
}
