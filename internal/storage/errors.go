package storage

import "errors"

// ErrNoPosition is returned when an operation requires an open position
var ErrNoPosition = errors.New("no current position")

// ErrSchemaVersion is returned when the snapshot was written by a newer
// schema than this build understands
var ErrSchemaVersion = errors.New("unsupported storage schema version")
