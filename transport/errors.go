package transport

import "errors"

var (
	// ErrConnectionClosed fails every call outstanding when a session closes.
	// Errors returned for a session that died of a specific cause wrap both.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrTimeout fails a single call whose deadline elapsed before a reply.
	ErrTimeout = errors.New("transport: call timed out")

	// ErrProtocolViolation is reported when a peer answers a pending id with
	// a reply for a different method.
	ErrProtocolViolation = errors.New("transport: protocol violation")

	ErrTooManyPending = errors.New("transport: too many pending calls")
	ErrIdle           = errors.New("transport: idle timeout")
)
