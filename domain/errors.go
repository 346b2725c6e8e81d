package domain

import "errors"

var (
	// ErrNotFound is returned when a stage or task id cannot be resolved.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// write because the entity changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
