package iterator

import "errors"

var (
	// The checkpoint cannot be decoded, or was produced by a newer version.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// The iterator was closed.
	ErrIteratorClosed = errors.New("iterator closed")
)
