package dht

import "errors"

// Protocol error kinds. Each of these is scoped to a single message
// exchange; none of them is fatal to the node. The only fatal condition in
// the whole system is failing to bind the listening port.
var (
	// ErrMalformedMessage is a decode-time structural problem: a missing,
	// short or wrong-typed required field.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownMethod is a query whose method name we don't recognize.
	ErrUnknownMethod = errors.New("unknown query method")

	// ErrWrongResponseVariant is a reply whose shape doesn't match the
	// query that was sent.
	ErrWrongResponseVariant = errors.New("response variant does not match query")

	// ErrTimeout is a query that got no reply within the deadline.
	ErrTimeout = errors.New("query timed out")

	// ErrInvalidToken is an announce whose token falls outside the valid
	// secret window.
	ErrInvalidToken = errors.New("invalid announce token")

	// ErrTransportClosed is returned to queries still in flight when the
	// node shuts down.
	ErrTransportClosed = errors.New("transport closed")
)
