package collection

import "errors"

var (
	ErrNilDocument   = errors.New("nil document")
	ErrAlreadyStored = errors.New("document is already stored")
	ErrNotStored     = errors.New("document is not stored")
	ErrDuplicateKey  = errors.New("duplicate key on unique index")
	ErrUnknownIndex  = errors.New("unknown index")
	ErrNoDocument    = errors.New("no document")
)
