package storage

import "errors"

// ErrPositionNotFound is returned when a position id is not in the store.
var ErrPositionNotFound = errors.New("position not found")

// ErrDuplicatePosition is returned when saving a new position whose id is
// already archived.
var ErrDuplicatePosition = errors.New("position already archived")
