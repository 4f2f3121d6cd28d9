package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a run status update would move a
// terminal run, or otherwise violate the forward-only lifecycle.
var ErrInvalidTransition = errors.New("storage: invalid status transition")
