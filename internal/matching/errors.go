package matching

import "errors"

var (
	// ErrAlreadyPaired is returned when an identity holding an active pairing
	// attempts to enter the waiting pool.
	ErrAlreadyPaired = errors.New("identity already paired")

	// ErrNotWaiting is returned by Place when the identity has no candidate
	// profile in the waiting pool.
	ErrNotWaiting = errors.New("identity not waiting")

	ErrEmptyID = errors.New("empty connection id")
)
