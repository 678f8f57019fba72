// Package store provides persistence for job snapshots.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job has no committed snapshot, or the
// requested snapshot was never committed.
var ErrNotFound = errors.New("not found")

// ErrAlreadyCommitted is returned when a snapshot is committed twice.
var ErrAlreadyCommitted = errors.New("snapshot already committed")

// SnapshotStore persists the state records of job snapshots.
//
// A snapshot is written in two phases. Records arrive through any number of
// WriteRecords calls while tasklets acknowledge the snapshot; Commit then
// makes the snapshot visible to LatestCommitted and ReadRecords atomically.
// A snapshot that is never committed is invisible and is removed by
// Discard. Committing a snapshot removes every older snapshot of the same
// job.
//
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	// WriteRecords appends records to an uncommitted snapshot.
	WriteRecords(ctx context.Context, jobID string, snapshotID int64, records []Record) error

	// Commit marks the snapshot committed with the digest of its records.
	Commit(ctx context.Context, jobID string, snapshotID int64, digest string) error

	// Discard removes an uncommitted snapshot. Discarding a committed or
	// unknown snapshot is a no-op.
	Discard(ctx context.Context, jobID string, snapshotID int64) error

	// LatestCommitted returns the newest committed snapshot of the job, or
	// ErrNotFound.
	LatestCommitted(ctx context.Context, jobID string) (SnapshotInfo, error)

	// ReadRecords returns the records of a committed snapshot in write
	// order, or ErrNotFound.
	ReadRecords(ctx context.Context, jobID string, snapshotID int64) ([]Record, error)

	// Close releases the store's resources.
	Close() error
}

// Record is one persisted state record of a processor instance.
type Record struct {
	// Vertex and Index identify the instance that saved the record. Index
	// -1 marks vertex level metadata.
	Vertex string
	Index  int

	Key   string
	Value []byte

	// Broadcast records are restored to every instance of the vertex.
	Broadcast bool

	// Completed marks an instance that had finished when the snapshot was
	// taken. It carries no key or value.
	Completed bool
}

// SnapshotInfo describes a committed snapshot.
type SnapshotInfo struct {
	JobID       string
	ID          int64
	Digest      string
	CommittedAt time.Time
}
