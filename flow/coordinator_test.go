package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/dataflow-go/flow/emit"
	"github.com/dshills/dataflow-go/flow/store"
)

type failingStore struct {
	*store.MemStore
	commitErr error
}

func (f *failingStore) Commit(ctx context.Context, jobID string, id int64, digest string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	return f.MemStore.Commit(ctx, jobID, id, digest)
}

func startCoordinator(t *testing.T, st store.SnapshotStore, parallelism map[string]int) (*coordinator, *emit.BufferedEmitter) {
	t.Helper()
	events := emit.NewBufferedEmitter()
	c := newCoordinator(coordinatorConfig{
		jobID:       "job",
		executionID: "exec",
		store:       st,
		emitter:     events,
		parallelism: parallelism,
	})
	c.start()
	t.Cleanup(func() {
		select {
		case <-c.exited:
		default:
			c.stop(nil)
		}
	})
	return c, events
}

func waitWithin(t *testing.T, c *coordinator, id int64) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.wait(ctx, id)
}

func TestCoordinator_CommitAfterEveryAck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	c, events := startCoordinator(t, st, map[string]int{"src": 1, "sink": 2})

	id, err := c.trigger(ctx)
	if err != nil || id != 1 {
		t.Fatalf("trigger() = %d, %v", id, err)
	}
	if c.activeID() != 1 {
		t.Errorf("activeID() = %d", c.activeID())
	}
	if _, err := c.trigger(ctx); !errors.Is(err, ErrSnapshotInProgress) {
		t.Errorf("second trigger = %v, want ErrSnapshotInProgress", err)
	}

	acks := []snapshotAck{
		{snapshotID: id, vertex: "src", index: 0, records: []store.Record{{Vertex: "src", Index: 0, Key: "pos", Value: []byte("3")}}, bytes: 1},
		{snapshotID: id, vertex: "sink", index: 0},
		// stale ack from an older snapshot is ignored
		{snapshotID: id - 1, vertex: "sink", index: 1},
	}
	for _, a := range acks {
		if err := c.ack(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.LatestCommitted(ctx, "job"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("snapshot committed before every tasklet acknowledged")
	}

	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "sink", index: 1})
	if err := waitWithin(t, c, id); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if c.lastCommitted.Load() != id {
		t.Errorf("lastCommitted = %d", c.lastCommitted.Load())
	}

	info, err := st.LatestCommitted(ctx, "job")
	if err != nil || info.ID != id {
		t.Fatalf("LatestCommitted = %+v, %v", info, err)
	}
	records, _ := st.ReadRecords(ctx, "job", id)
	digest, _ := snapshotDigest("job", id, records)
	if digest != info.Digest {
		t.Error("stored digest does not match the records")
	}

	if got := events.HistoryWithFilter("job", emit.HistoryFilter{Msg: "snapshot_committed"}); len(got) != 1 {
		t.Errorf("snapshot_committed events = %d", len(got))
	}

	next, err := c.trigger(ctx)
	if err != nil || next != id+1 {
		t.Errorf("next trigger = %d, %v", next, err)
	}
}

func TestCoordinator_FinishedTaskletsCountAsCompleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	c, _ := startCoordinator(t, st, map[string]int{"src": 1, "sink": 1})

	if err := c.taskletDone(ctx, "src", 0, 0); err != nil {
		t.Fatal(err)
	}
	id, err := c.trigger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "sink", index: 0})
	if err := waitWithin(t, c, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	records, _ := st.ReadRecords(ctx, "job", id)
	completed := false
	for _, r := range records {
		if r.Vertex == "src" && r.Completed {
			completed = true
		}
	}
	if !completed {
		t.Errorf("records %+v miss the completed marker of src", records)
	}
}

func TestCoordinator_DoneDuringAttemptStandsInForAck(t *testing.T) {
	ctx := context.Background()
	c, _ := startCoordinator(t, store.NewMemStore(), map[string]int{"a": 1, "b": 1})

	id, _ := c.trigger(ctx)
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "a", index: 0})
	// b finished without seeing the barrier
	_ = c.taskletDone(ctx, "b", 0, id-1)
	if err := waitWithin(t, c, id); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCoordinator_AbortOnStoreError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	st := &failingStore{MemStore: store.NewMemStore(), commitErr: boom}
	c, events := startCoordinator(t, st, map[string]int{"v": 1})

	id, _ := c.trigger(ctx)
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0})
	err := waitWithin(t, c, id)
	if !errors.Is(err, ErrSnapshotAborted) {
		t.Fatalf("wait = %v, want ErrSnapshotAborted", err)
	}
	if c.lastCommitted.Load() != 0 {
		t.Error("aborted snapshot recorded as committed")
	}
	if got := events.HistoryWithFilter("job", emit.HistoryFilter{Msg: "snapshot_aborted"}); len(got) != 1 {
		t.Errorf("snapshot_aborted events = %d", len(got))
	}

	// The next attempt starts normally.
	st.commitErr = nil
	id2, err := c.trigger(ctx)
	if err != nil || id2 != id+1 {
		t.Fatalf("trigger after abort = %d, %v", id2, err)
	}
}

func TestCoordinator_StopAbortsOpenAttempt(t *testing.T) {
	ctx := context.Background()
	c, _ := startCoordinator(t, store.NewMemStore(), map[string]int{"v": 2})

	id, _ := c.trigger(ctx)
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0})
	c.stop(ErrJobCancelled)

	err := waitWithin(t, c, id)
	if !errors.Is(err, ErrSnapshotAborted) {
		t.Errorf("wait = %v, want ErrSnapshotAborted", err)
	}
	if _, err := c.trigger(ctx); !errors.Is(err, ErrJobNotRunning) {
		t.Errorf("trigger after stop = %v, want ErrJobNotRunning", err)
	}
}

func TestCoordinator_RestoredIDContinuesNumbering(t *testing.T) {
	c := newCoordinator(coordinatorConfig{jobID: "job", store: store.NewMemStore(), parallelism: map[string]int{"v": 1}, restoredID: 7})
	c.start()
	defer c.stop(nil)

	if c.activeID() != 7 || c.lastCommitted.Load() != 7 {
		t.Errorf("activeID() = %d lastCommitted = %d", c.activeID(), c.lastCommitted.Load())
	}
	if err := waitWithin(t, c, 7); err != nil {
		t.Errorf("wait for restored snapshot = %v", err)
	}
	id, err := c.trigger(context.Background())
	if err != nil || id != 8 {
		t.Errorf("trigger() = %d, %v; want 8", id, err)
	}
}

func TestCoordinator_StaleRecordsUnderReusedIDAreDiscarded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	// A crashed execution restored from 4 wrote part of snapshot 5.
	stale := []store.Record{{Vertex: "v", Index: 0, Key: "pos", Value: []byte("999")}}
	if err := st.WriteRecords(ctx, "job", 5, stale); err != nil {
		t.Fatal(err)
	}

	c := newCoordinator(coordinatorConfig{jobID: "job", store: st, parallelism: map[string]int{"v": 1}, restoredID: 4})
	c.start()
	defer c.stop(nil)

	id, err := c.trigger(ctx)
	if err != nil || id != 5 {
		t.Fatalf("trigger() = %d, %v; want 5", id, err)
	}
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0, records: []store.Record{{Vertex: "v", Index: 0, Key: "pos", Value: []byte("7")}}})
	if err := waitWithin(t, c, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	records, err := st.ReadRecords(ctx, "job", id)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if string(r.Value) == "999" {
			t.Fatalf("stale record survived the commit: %+v", records)
		}
	}
	plan, err := loadRestorePlan(ctx, st, "job", 0, map[string]int{"v": 1}, nil)
	if err != nil {
		t.Fatalf("restore after commit: %v", err)
	}
	if plan == nil || plan.snapshotID != id {
		t.Errorf("plan = %+v, want snapshot %d", plan, id)
	}
}

func TestCoordinator_ResultsArePruned(t *testing.T) {
	ctx := context.Background()
	c, _ := startCoordinator(t, store.NewMemStore(), map[string]int{"v": 1})

	var last int64
	for i := 0; i < 3*retainedResults; i++ {
		id, err := c.trigger(ctx)
		if err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0})
		if err := waitWithin(t, c, id); err != nil {
			t.Fatalf("wait %d: %v", id, err)
		}
		last = id
	}

	c.mu.Lock()
	n := len(c.results)
	c.mu.Unlock()
	if n > retainedResults+1 {
		t.Errorf("coordinator retains %d outcomes after %d snapshots", n, last)
	}
	if err := waitWithin(t, c, 1); err != nil {
		t.Errorf("wait for a pruned snapshot = %v, want nil", err)
	}
	if err := waitWithin(t, c, last+5); err == nil {
		t.Error("wait for a future snapshot succeeded")
	}
}

func TestCoordinator_Export(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	c, events := startCoordinator(t, st, map[string]int{"v": 1})

	for round := 1; round <= 2; round++ {
		id, err := c.triggerExport(ctx, "nightly")
		if err != nil {
			t.Fatal(err)
		}
		_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0})
		if err := waitWithin(t, c, id); err != nil {
			t.Fatalf("wait: %v", err)
		}
		info, err := st.LatestCommitted(ctx, exportKey("nightly"))
		if err != nil || info.ID != int64(round) {
			t.Fatalf("export after round %d = %+v, %v", round, info, err)
		}
	}

	// Plain snapshots leave the export alone.
	id, _ := c.trigger(ctx)
	_ = c.ack(ctx, snapshotAck{snapshotID: id, vertex: "v", index: 0})
	if err := waitWithin(t, c, id); err != nil {
		t.Fatal(err)
	}
	plan, err := loadExportedPlan(ctx, st, "nightly", map[string]int{"v": 1}, nil)
	if err != nil || plan == nil {
		t.Fatalf("loadExportedPlan = %+v, %v", plan, err)
	}
	if got := events.HistoryWithFilter("job", emit.HistoryFilter{Msg: "snapshot_exported"}); len(got) != 2 {
		t.Errorf("snapshot_exported events = %d, want 2", len(got))
	}
	if _, err := loadExportedPlan(ctx, st, "missing", map[string]int{"v": 1}, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing export = %v, want ErrNotFound", err)
	}
}
