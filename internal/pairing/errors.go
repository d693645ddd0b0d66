package pairing

import "errors"

var (
	ErrSessionNotFound = errors.New("pairing: session not found")
	ErrTooManySessions = errors.New("pairing: too many sessions")
	// ErrTokenSpaceExhausted is returned when every generated candidate token
	// collided with a live session.
	ErrTokenSpaceExhausted = errors.New("pairing: failed to allocate unique token")
	ErrEmptyConnID         = errors.New("pairing: empty connection id")
)
