package domain

import "errors"

var (
	// ErrNotFound will be returned if the requested item is not found
	ErrNotFound = errors.New("requested item was not found")
	// ErrConflict will be returned if the item being persisted already exists
	ErrConflict = errors.New("item already exists")
	// ErrLeaseHeld will be returned when another run holds an unexpired lease on a response
	ErrLeaseHeld = errors.New("lease held by another run")
)
