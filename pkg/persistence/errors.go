package persistence

import "errors"

var (
	// ErrEntityNotFound is returned when an entity is not found in a store.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateKey is returned when an insert violates a uniqueness
	// constraint. The inbox relies on it as its dedup mechanism.
	ErrDuplicateKey = errors.New("duplicate key")
)
