package upstream

import "errors"

var (
	// ErrUpstreamUnavailable indicates all pooled connections are down.
	// Retryable: the pool keeps reconnecting in the background.
	ErrUpstreamUnavailable = errors.New("no upstream connection available")

	// ErrUpstreamTimeout indicates a request received no reply within the
	// call timeout. The connection stays open; only this request fails.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrConnClosed indicates the connection dropped while requests were in
	// flight. All pending requests on that connection fail with this error.
	ErrConnClosed = errors.New("upstream connection lost")
)
