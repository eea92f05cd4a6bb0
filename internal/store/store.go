// Package store persists the periodic world snapshot. Backends keep one
// current blob plus a short history of previous ones.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when nothing has been stored yet.
var ErrNotFound = errors.New("store: no snapshot")

// Record is one stored snapshot.
type Record struct {
	Data      []byte
	CreatedAt time.Time
}

// SnapshotStore is implemented by every backend.
type SnapshotStore interface {
	// Put stores data as the current snapshot.
	Put(ctx context.Context, data []byte) error
	// Get returns the current snapshot or ErrNotFound.
	Get(ctx context.Context) (*Record, error)
	Close() error
}

// DefaultHistory is how many snapshots backends retain.
const DefaultHistory = 10
