package world

import "errors"

var (
	// ErrNotFound means no entity record exists for the requested id.
	ErrNotFound = errors.New("entity not found")
	// ErrConsistencyViolation means an entity record names a component type
	// with no stored record or no entry for that entity. Put and Delete never
	// produce this; seeing it means storage was corrupted.
	ErrConsistencyViolation = errors.New("entity/component consistency violation")
	// ErrStorageConflict wraps any error returned by the underlying collections.
	ErrStorageConflict = errors.New("storage conflict")
	ErrInvalidEntity   = errors.New("invalid entity")
)
