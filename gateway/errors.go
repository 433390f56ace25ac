package gateway

import "errors"

var (
	// ErrRateLimited is returned when a session exceeds its tier ceiling.
	// The message is rejected before any upstream or billing work happens.
	ErrRateLimited = errors.New("rate limit exceeded for tier")

	// ErrSessionClosed is returned when a message arrives for a session
	// that is already tearing down.
	ErrSessionClosed = errors.New("session closed")
)
