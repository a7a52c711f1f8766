package processing

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid processing config")

	// The message was not confirmed nor expired within the wait timeout.
	ErrWaitTimeout = errors.New("wait timeout exceeded")

	// The encoded message misses its id, body, destination or expiration.
	ErrInvalidMessage = errors.New("invalid message")

	// An illegal message state transition was attempted.
	ErrIllegalTransition = errors.New("illegal message state transition")
)
