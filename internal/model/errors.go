package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist in a store.
var ErrNotFound = errors.New("record not found")

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeConnectivity means no network path to the remote store.
	// Always recoverable: the operation is queued.
	ErrCodeConnectivity ErrorCode = "CONNECTIVITY"

	// ErrCodeTranslation means a record is malformed for its collection table.
	ErrCodeTranslation ErrorCode = "TRANSLATION"

	// ErrCodeRemoteRejected means the remote refused a write (permission or validation).
	ErrCodeRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// ErrCodeConflict means the remote signalled a write conflict. Remote wins.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeLocalStore means the device store failed. Fatal to the caller.
	ErrCodeLocalStore ErrorCode = "LOCAL_STORE"
)

// SyncError is the error type shared by the store adapters, translator and engine.
type SyncError struct {
	Code       ErrorCode
	Op         string
	Collection string
	ID         string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Collection != "" && e.ID != "":
		return fmt.Sprintf("%s: %s %s/%s: %s", e.Code, e.Op, e.Collection, e.ID, msg)
	case e.Collection != "":
		return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Op, e.Collection, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsConnectivity reports whether err is a connectivity error.
func IsConnectivity(err error) bool { return hasCode(err, ErrCodeConnectivity) }

// IsTranslation reports whether err is a translation error.
func IsTranslation(err error) bool { return hasCode(err, ErrCodeTranslation) }

// IsRejection reports whether err is a remote rejection.
func IsRejection(err error) bool { return hasCode(err, ErrCodeRemoteRejected) }

// IsConflict reports whether err is a remote write conflict.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsLocalStore reports whether err came from the device store.
func IsLocalStore(err error) bool { return hasCode(err, ErrCodeLocalStore) }

// NewConnectivityError wraps a transport failure.
func NewConnectivityError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeConnectivity, Op: op, Message: "remote unreachable", Err: err}
}

// NewTranslationError reports a record that cannot be translated.
func NewTranslationError(collection, id, message string) *SyncError {
	return &SyncError{Code: ErrCodeTranslation, Op: "translate", Collection: collection, ID: id, Message: message}
}

// NewRejectionError reports a write the remote refused.
func NewRejectionError(op, collection, id, message string) *SyncError {
	return &SyncError{Code: ErrCodeRemoteRejected, Op: op, Collection: collection, ID: id, Message: message}
}

// NewConflictError reports a remote write conflict.
func NewConflictError(op, collection, id string, err error) *SyncError {
	return &SyncError{Code: ErrCodeConflict, Op: op, Collection: collection, ID: id, Message: "write conflict", Err: err}
}

// NewLocalStoreError wraps a device store failure.
func NewLocalStoreError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeLocalStore, Op: op, Message: "local store failure", Err: err}
}

// InsufficientStockError rejects a sale whose quantity exceeds on-hand stock.
// It is never retried automatically.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: available %d, requested %d",
		e.ProductName, e.Available, e.Requested)
}

// Shortfall is how many units are missing.
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

// AsInsufficientStock extracts an InsufficientStockError from err.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
