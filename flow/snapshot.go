package flow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dshills/dataflow-go/flow/store"
)

// snapshotDigest computes a deterministic hash over the records of one
// snapshot. Records are sorted first so the digest does not depend on the
// order in which tasklets acknowledged.
//
// The hash covers the job ID, the snapshot ID (8-byte big-endian) and, for
// each record, its vertex, index, key and value as length-prefixed fields
// followed by the broadcast and completed flags. The result is
// "sha256:" + hex.
func snapshotDigest(jobID string, id int64, records []store.Record) (string, error) {
	if jobID == "" {
		return "", errors.New("snapshot digest needs a job ID")
	}
	sorted := make([]store.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Vertex != b.Vertex {
			return a.Vertex < b.Vertex
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return string(a.Value) < string(b.Value)
	})

	h := sha256.New()
	buf := make([]byte, 8)
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(buf, uint64(len(b)))
		h.Write(buf)
		h.Write(b)
	}

	writeField([]byte(jobID))
	binary.BigEndian.PutUint64(buf, uint64(id))
	h.Write(buf)

	for _, r := range sorted {
		writeField([]byte(r.Vertex))
		binary.BigEndian.PutUint64(buf, uint64(int64(r.Index)))
		h.Write(buf)
		writeField([]byte(r.Key))
		writeField(r.Value)
		var flags byte
		if r.Broadcast {
			flags |= 1
		}
		if r.Completed {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// restorePlan is the state each instance resumes with.
type restorePlan struct {
	snapshotID int64
	entries    map[instanceKey][]SnapshotEntry
	completed  map[instanceKey]bool
}

func (p *restorePlan) entriesFor(vertex string, index int) []SnapshotEntry {
	if p == nil {
		return nil
	}
	return p.entries[instanceKey{vertex: vertex, index: index}]
}

func (p *restorePlan) isCompleted(vertex string, index int) bool {
	if p == nil {
		return false
	}
	return p.completed[instanceKey{vertex: vertex, index: index}]
}

// loadRestorePlan reads the latest committed snapshot of jobID and routes
// its records to the instances of the current graph. It returns nil when
// the job has no committed snapshot. A non-zero pin requires the latest
// committed snapshot to have that ID.
//
// Entries go back to the instance that saved them while a vertex keeps its
// parallelism. When the parallelism changed, keyed entries are routed by
// the hash of their key, the same way a partitioned edge routes items.
// Broadcast entries always reach every instance.
func loadRestorePlan(ctx context.Context, st store.SnapshotStore, jobID string, pin int64, parallelism map[string]int, codec Codec) (*restorePlan, error) {
	info, err := st.LatestCommitted(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		if pin != 0 {
			return nil, fmt.Errorf("%w: job %s has no committed snapshot %d", store.ErrNotFound, jobID, pin)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up committed snapshot: %w", err)
	}
	if pin != 0 && pin != info.ID {
		return nil, fmt.Errorf("%w: snapshot %d of job %s (latest committed is %d)", store.ErrNotFound, pin, jobID, info.ID)
	}

	records, err := readVerified(ctx, st, jobID, info)
	if err != nil {
		return nil, err
	}
	return planRestore(info.ID, records, parallelism, codec)
}

// loadExportedPlan routes the records of the snapshot exported under name.
func loadExportedPlan(ctx context.Context, st store.SnapshotStore, name string, parallelism map[string]int, codec Codec) (*restorePlan, error) {
	key := exportKey(name)
	info, err := st.LatestCommitted(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no exported snapshot named %q", store.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up exported snapshot %q: %w", name, err)
	}
	records, err := readVerified(ctx, st, key, info)
	if err != nil {
		return nil, err
	}
	return planRestore(info.ID, records, parallelism, codec)
}

// readVerified reads the records of a committed snapshot and checks them
// against the digest stored at commit.
func readVerified(ctx context.Context, st store.SnapshotStore, jobID string, info store.SnapshotInfo) ([]store.Record, error) {
	records, err := st.ReadRecords(ctx, jobID, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %d: %w", info.ID, err)
	}
	digest, err := snapshotDigest(jobID, info.ID, records)
	if err != nil {
		return nil, err
	}
	if info.Digest != "" && digest != info.Digest {
		return nil, &EngineError{
			Message: fmt.Sprintf("snapshot %d of job %s does not match its digest", info.ID, jobID),
			Code:    "SNAPSHOT_CORRUPT",
		}
	}
	return records, nil
}

// planRestore routes snapshot records to instances of the current graph.
func planRestore(id int64, records []store.Record, parallelism map[string]int, codec Codec) (*restorePlan, error) {
	oldParallelism := make(map[string]int)
	for _, r := range records {
		if r.Index != -1 || r.Key != parallelismKey {
			continue
		}
		n, err := strconv.Atoi(string(r.Value))
		if err != nil || n < 1 {
			return nil, &EngineError{Message: fmt.Sprintf("snapshot %d: bad parallelism %q for vertex %s", id, r.Value, r.Vertex), Code: "SNAPSHOT_CORRUPT"}
		}
		oldParallelism[r.Vertex] = n
	}

	plan := &restorePlan{
		snapshotID: id,
		entries:    make(map[instanceKey][]SnapshotEntry),
		completed:  make(map[instanceKey]bool),
	}
	oldCompleted := make(map[string]map[int]bool)

	for _, r := range records {
		if r.Index == -1 {
			continue
		}
		n, ok := parallelism[r.Vertex]
		if !ok {
			return nil, &EngineError{Message: fmt.Sprintf("snapshot %d has state for vertex %s, which is not in the graph", id, r.Vertex), Code: "SNAPSHOT_MISMATCH"}
		}
		old, ok := oldParallelism[r.Vertex]
		if !ok {
			return nil, &EngineError{Message: fmt.Sprintf("snapshot %d has no parallelism record for vertex %s", id, r.Vertex), Code: "SNAPSHOT_CORRUPT"}
		}
		if r.Completed {
			if oldCompleted[r.Vertex] == nil {
				oldCompleted[r.Vertex] = make(map[int]bool)
			}
			oldCompleted[r.Vertex][r.Index] = true
			continue
		}

		entry := SnapshotEntry{Key: r.Key, Value: r.Value, Broadcast: r.Broadcast, codec: codec}
		switch {
		case r.Broadcast:
			for i := 0; i < n; i++ {
				plan.add(r.Vertex, i, entry)
			}
		case old == n:
			plan.add(r.Vertex, r.Index, entry)
		default:
			plan.add(r.Vertex, partitionIndex(r.Key, n), entry)
		}
	}

	for vertex, done := range oldCompleted {
		n := parallelism[vertex]
		if oldParallelism[vertex] == n {
			for idx := range done {
				plan.completed[instanceKey{vertex: vertex, index: idx}] = true
			}
			continue
		}
		// Rescaled instances mix state of several old instances, so they
		// only skip processing when every old instance had finished.
		if len(done) == oldParallelism[vertex] {
			for i := 0; i < n; i++ {
				plan.completed[instanceKey{vertex: vertex, index: i}] = true
			}
		}
	}
	return plan, nil
}

func (p *restorePlan) add(vertex string, index int, e SnapshotEntry) {
	key := instanceKey{vertex: vertex, index: index}
	p.entries[key] = append(p.entries[key], e)
}
