package transport

import "errors"

var (
	// ErrNotFound is returned for an unknown, evicted, or foreign transport id.
	ErrNotFound = errors.New("transport binding not found")

	// ErrUnknownKind is returned for a transport kind outside the kind table.
	ErrUnknownKind = errors.New("unknown transport kind")

	// ErrClosed is returned once the binder has been closed.
	ErrClosed = errors.New("binder closed")

	// ErrInvalidArgument is returned for malformed tool input.
	ErrInvalidArgument = errors.New("invalid argument")
)
