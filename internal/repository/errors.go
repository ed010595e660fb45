package repository

import "errors"

var (
	// ErrNotFound is returned when no media item, decision, or strike matches.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap loses: the row exists but
	// its status, attempt counter, or freshness no longer matches.
	ErrConflict = errors.New("status conflict")
)
