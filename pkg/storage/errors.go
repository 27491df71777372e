package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup by key finds no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a uniqueness or
	// state-machine invariant (e.g. an illegal Job transition).
	ErrConflict = errors.New("record already exists")
)
