package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRunActive is returned when a mutation is attempted while a download run owns the session.
	ErrRunActive = errors.New("download run is active")
	// ErrNoSession is returned when an operation needs extracted identifiers and none exist.
	ErrNoSession = errors.New("no session: extract identifiers first")
	// ErrNotConfigured is returned when a run is requested before metadata is finalized.
	ErrNotConfigured = errors.New("session metadata is not finalized")
	// ErrMetadataIncomplete is returned when a naming label is missing.
	ErrMetadataIncomplete = errors.New("metadata incomplete")
	// ErrInvalidLabel is returned when a naming label contains a path separator or "..".
	ErrInvalidLabel = errors.New("invalid metadata label")
	// ErrProgressRecorded is returned when re-extraction would invalidate recorded outcomes.
	ErrProgressRecorded = errors.New("session already has recorded downloads; reset first")
)

// PersistenceError wraps a failure to load, save or delete the session snapshot.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
