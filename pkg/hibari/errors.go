package hibari

import "errors"

var (
	// ErrInvalidEvent indicates that an inbound event does not satisfy contract invariants.
	ErrInvalidEvent = errors.New("hibari: invalid event")
	// ErrPermissionDenied indicates that the platform refused a lookup or action
	// for authorization reasons. Callers may cache a degraded fallback value.
	ErrPermissionDenied = errors.New("hibari: permission denied")
	// ErrTransient indicates a retryable upstream failure (rate limit, 5xx,
	// network). Callers must not cache results derived from it.
	ErrTransient = errors.New("hibari: transient upstream error")
	// ErrNotFound indicates that a platform entity does not exist.
	ErrNotFound = errors.New("hibari: not found")
	// ErrStreamClosed indicates an operation on an already-finalized stream handle.
	ErrStreamClosed = errors.New("hibari: stream closed")
)
