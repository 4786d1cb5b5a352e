package orchestrator

import "errors"

var (
	// ErrNotFound is returned for unresolved release, session or job ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation targets an entity in the
	// wrong status, e.g. completing a job that is not running.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidRequest is returned for malformed create requests.
	ErrInvalidRequest = errors.New("invalid request")
)
