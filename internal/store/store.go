// Package store persists room snapshots and step batches so a restarted
// server resumes rooms at their last committed version.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrNoSnapshot = errors.New("no snapshot")
)

// BatchRecord is one accepted step batch: applying Steps to the document at
// FromVersion yields the document at ToVersion.
type BatchRecord struct {
	FromVersion int
	ToVersion   int
	ClientID    string
	Steps       []json.RawMessage
}

// Store is the persistence interface rooms write through. Implementations
// must be safe for concurrent use by multiple rooms.
type Store interface {
	// SaveSnapshot persists the document at the given version, replacing any
	// earlier snapshot for the room.
	SaveSnapshot(ctx context.Context, roomID string, version int, doc []byte) error

	// LoadSnapshot returns the latest snapshot for the room, or ErrNoSnapshot.
	LoadSnapshot(ctx context.Context, roomID string) (version int, doc []byte, err error)

	// AppendBatch records one accepted batch.
	AppendBatch(ctx context.Context, roomID string, b BatchRecord) error

	// LoadBatches returns all batches with FromVersion >= sinceVersion, in
	// version order.
	LoadBatches(ctx context.Context, roomID string, sinceVersion int) ([]BatchRecord, error)
}
