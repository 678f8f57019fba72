package store

import (
	"context"
	"sync"
	"time"
)

type memSnapshot struct {
	records     []Record
	committed   bool
	digest      string
	committedAt time.Time
}

// MemStore is an in-memory SnapshotStore.
//
// Designed for:
//   - Tests
//   - Jobs that only need to survive a restart within the same process
//
// Data is lost when the process exits.
type MemStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[int64]*memSnapshot // jobID -> snapshotID -> snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{snapshots: make(map[string]map[int64]*memSnapshot)}
}

// WriteRecords implements SnapshotStore.
func (m *MemStore) WriteRecords(_ context.Context, jobID string, snapshotID int64, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot(jobID, snapshotID)
	if snap.committed {
		return ErrAlreadyCommitted
	}
	for _, r := range records {
		r.Value = append([]byte(nil), r.Value...)
		snap.records = append(snap.records, r)
	}
	return nil
}

// Commit implements SnapshotStore.
func (m *MemStore) Commit(_ context.Context, jobID string, snapshotID int64, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot(jobID, snapshotID)
	if snap.committed {
		return ErrAlreadyCommitted
	}
	snap.committed = true
	snap.digest = digest
	snap.committedAt = time.Now()

	for id := range m.snapshots[jobID] {
		if id < snapshotID {
			delete(m.snapshots[jobID], id)
		}
	}
	return nil
}

// Discard implements SnapshotStore.
func (m *MemStore) Discard(_ context.Context, jobID string, snapshotID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap, ok := m.snapshots[jobID][snapshotID]; ok && !snap.committed {
		delete(m.snapshots[jobID], snapshotID)
	}
	return nil
}

// LatestCommitted implements SnapshotStore.
func (m *MemStore) LatestCommitted(_ context.Context, jobID string) (SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best   *memSnapshot
		bestID int64
	)
	for id, snap := range m.snapshots[jobID] {
		if snap.committed && id > bestID {
			best, bestID = snap, id
		}
	}
	if best == nil {
		return SnapshotInfo{}, ErrNotFound
	}
	return SnapshotInfo{JobID: jobID, ID: bestID, Digest: best.digest, CommittedAt: best.committedAt}, nil
}

// ReadRecords implements SnapshotStore.
func (m *MemStore) ReadRecords(_ context.Context, jobID string, snapshotID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[jobID][snapshotID]
	if !ok || !snap.committed {
		return nil, ErrNotFound
	}
	out := make([]Record, len(snap.records))
	copy(out, snap.records)
	return out, nil
}

// Close implements SnapshotStore.
func (m *MemStore) Close() error {
	return nil
}

// snapshot returns the snapshot entry, creating it. Callers hold m.mu.
func (m *MemStore) snapshot(jobID string, snapshotID int64) *memSnapshot {
	byID, ok := m.snapshots[jobID]
	if !ok {
		byID = make(map[int64]*memSnapshot)
		m.snapshots[jobID] = byID
	}
	snap, ok := byID[snapshotID]
	if !ok {
		snap = &memSnapshot{}
		byID[snapshotID] = snap
	}
	return snap
}
