// Package statestore declares the narrow persistence contract for session snapshots.
package statestore

import (
	"context"
	"errors"
)

// ErrNotFound signals that no snapshot has been saved yet.
var ErrNotFound = errors.New("session snapshot not found")

// Default location of the single persisted snapshot.
const (
	DefaultFolder = "imagecrawl"
	DefaultName   = "imagecrawl_session.json"
)

// Store persists one opaque snapshot under a fixed name. Save has
// create-or-update semantics; Delete of a missing snapshot is not an error.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}
