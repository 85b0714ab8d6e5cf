package persistence

import "errors"

var (
	// ErrNotFound is returned by readers when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEventRow marks an event log row that cannot be turned back
	// into an envelope.
	ErrInvalidEventRow = errors.New("invalid event row")
)
