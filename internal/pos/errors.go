package pos

import "errors"

var (
	// ErrInvalid wraps every input validation failure.
	ErrInvalid = errors.New("invalid input")

	// ErrAlreadyCancelled rejects cancelling a sale twice.
	ErrAlreadyCancelled = errors.New("sale already cancelled")

	// ErrPINInUse rejects a PIN held by another active user.
	ErrPINInUse = errors.New("pin already in use")

	// ErrLastAdmin protects the last active administrator.
	ErrLastAdmin = errors.New("last active administrator")

	// ErrInvalidPIN is returned by LoginWithPIN when no active user matches.
	ErrInvalidPIN = errors.New("invalid pin")

	// ErrHasChildren rejects deleting a category that still has children.
	ErrHasChildren = errors.New("category has subcategories")

	// ErrCycle rejects a category parent that would create a loop.
	ErrCycle = errors.New("category cycle")
)
