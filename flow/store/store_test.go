package store_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/dataflow-go/flow/store"
)

// storeFactories returns every store implementation available in the test
// environment. MySQL runs only when TEST_MYSQL_DSN is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.SnapshotStore {
	t.Helper()
	factories := map[string]func(t *testing.T) store.SnapshotStore{
		"memory": func(t *testing.T) store.SnapshotStore {
			return store.NewMemStore()
		},
		"sqlite": func(t *testing.T) store.SnapshotStore {
			st, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return st
		},
	}
	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		factories["mysql"] = func(t *testing.T) store.SnapshotStore {
			st, err := store.NewMySQLStore(dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore: %v", err)
			}
			return st
		}
	}
	return factories
}

// uniqueJob keeps MySQL runs against a shared database independent.
func uniqueJob(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func TestSnapshotStore_Contract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("no snapshot", func(t *testing.T) {
				st := factory(t)
				defer st.Close()

				_, err := st.LatestCommitted(context.Background(), uniqueJob("empty"))
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("LatestCommitted error = %v, want ErrNotFound", err)
				}
			})

			t.Run("uncommitted snapshot is invisible", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("pending")

				if err := st.WriteRecords(ctx, job, 1, []store.Record{{Vertex: "v", Key: "k", Value: []byte("x")}}); err != nil {
					t.Fatalf("WriteRecords: %v", err)
				}
				if _, err := st.LatestCommitted(ctx, job); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("LatestCommitted error = %v, want ErrNotFound", err)
				}
				if _, err := st.ReadRecords(ctx, job, 1); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("ReadRecords error = %v, want ErrNotFound", err)
				}
			})

			t.Run("commit and read back in write order", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("commit")

				first := []store.Record{
					{Vertex: "source", Index: 0, Key: "offset", Value: []byte("50")},
					{Vertex: "source", Index: -1, Key: "flow.parallelism", Value: []byte("1")},
				}
				second := []store.Record{
					{Vertex: "sink", Index: 0, Key: "items", Value: []byte("[1,2]"), Broadcast: true},
					{Vertex: "map", Index: 1, Completed: true},
				}
				if err := st.WriteRecords(ctx, job, 3, first); err != nil {
					t.Fatalf("WriteRecords: %v", err)
				}
				if err := st.WriteRecords(ctx, job, 3, second); err != nil {
					t.Fatalf("WriteRecords: %v", err)
				}
				if err := st.Commit(ctx, job, 3, "sha256:abc"); err != nil {
					t.Fatalf("Commit: %v", err)
				}

				info, err := st.LatestCommitted(ctx, job)
				if err != nil {
					t.Fatalf("LatestCommitted: %v", err)
				}
				if info.ID != 3 || info.Digest != "sha256:abc" {
					t.Errorf("info = %+v, want id 3 digest sha256:abc", info)
				}
				if info.CommittedAt.IsZero() {
					t.Error("CommittedAt not set")
				}

				got, err := st.ReadRecords(ctx, job, 3)
				if err != nil {
					t.Fatalf("ReadRecords: %v", err)
				}
				want := append(append([]store.Record(nil), first...), second...)
				if len(got) != len(want) {
					t.Fatalf("got %d records, want %d", len(got), len(want))
				}
				for i := range want {
					if !recordsEqual(got[i], want[i]) {
						t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
					}
				}
			})

			t.Run("commit without records", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("empty-commit")

				if err := st.Commit(ctx, job, 1, "d"); err != nil {
					t.Fatalf("Commit: %v", err)
				}
				records, err := st.ReadRecords(ctx, job, 1)
				if err != nil {
					t.Fatalf("ReadRecords: %v", err)
				}
				if len(records) != 0 {
					t.Errorf("got %d records, want 0", len(records))
				}
			})

			t.Run("double commit rejected", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("double")

				if err := st.Commit(ctx, job, 1, "d"); err != nil {
					t.Fatalf("Commit: %v", err)
				}
				if err := st.Commit(ctx, job, 1, "d"); !errors.Is(err, store.ErrAlreadyCommitted) {
					t.Errorf("second Commit error = %v, want ErrAlreadyCommitted", err)
				}
				if err := st.WriteRecords(ctx, job, 1, []store.Record{{Vertex: "v", Key: "k"}}); !errors.Is(err, store.ErrAlreadyCommitted) {
					t.Errorf("WriteRecords after commit error = %v, want ErrAlreadyCommitted", err)
				}
			})

			t.Run("newer commit supersedes older", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("supersede")

				for id := int64(1); id <= 2; id++ {
					rec := []store.Record{{Vertex: "v", Key: "k", Value: []byte{byte(id)}}}
					if err := st.WriteRecords(ctx, job, id, rec); err != nil {
						t.Fatalf("WriteRecords(%d): %v", id, err)
					}
					if err := st.Commit(ctx, job, id, "d"); err != nil {
						t.Fatalf("Commit(%d): %v", id, err)
					}
				}
				info, err := st.LatestCommitted(ctx, job)
				if err != nil {
					t.Fatalf("LatestCommitted: %v", err)
				}
				if info.ID != 2 {
					t.Errorf("latest = %d, want 2", info.ID)
				}
				if _, err := st.ReadRecords(ctx, job, 1); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("ReadRecords(1) error = %v, want ErrNotFound after supersede", err)
				}
			})

			t.Run("discard keeps committed snapshot", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				job := uniqueJob("discard")

				if err := st.WriteRecords(ctx, job, 1, []store.Record{{Vertex: "v", Key: "a"}}); err != nil {
					t.Fatalf("WriteRecords: %v", err)
				}
				if err := st.Commit(ctx, job, 1, "d"); err != nil {
					t.Fatalf("Commit: %v", err)
				}
				if err := st.WriteRecords(ctx, job, 2, []store.Record{{Vertex: "v", Key: "b"}}); err != nil {
					t.Fatalf("WriteRecords: %v", err)
				}
				if err := st.Discard(ctx, job, 2); err != nil {
					t.Fatalf("Discard: %v", err)
				}
				if err := st.Discard(ctx, job, 1); err != nil {
					t.Fatalf("Discard of committed snapshot: %v", err)
				}
				if err := st.Discard(ctx, job, 99); err != nil {
					t.Fatalf("Discard of unknown snapshot: %v", err)
				}

				info, err := st.LatestCommitted(ctx, job)
				if err != nil {
					t.Fatalf("LatestCommitted: %v", err)
				}
				if info.ID != 1 {
					t.Errorf("latest = %d, want 1", info.ID)
				}

				// The discarded id can be reused and starts empty.
				if err := st.Commit(ctx, job, 2, "d"); err != nil {
					t.Fatalf("Commit(2): %v", err)
				}
				records, err := st.ReadRecords(ctx, job, 2)
				if err != nil {
					t.Fatalf("ReadRecords: %v", err)
				}
				if len(records) != 0 {
					t.Errorf("discarded records leaked into reused snapshot: %+v", records)
				}
			})

			t.Run("jobs are isolated", func(t *testing.T) {
				st := factory(t)
				defer st.Close()
				ctx := context.Background()
				jobA, jobB := uniqueJob("a"), uniqueJob("b")

				if err := st.Commit(ctx, jobA, 5, "d"); err != nil {
					t.Fatalf("Commit: %v", err)
				}
				if _, err := st.LatestCommitted(ctx, jobB); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("job b sees job a's snapshot: %v", err)
				}
			})
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}
	if err := st.WriteRecords(ctx, "job", 7, []store.Record{{Vertex: "v", Index: 2, Key: "k", Value: []byte("state")}}); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	if err := st.Commit(ctx, "job", 7, "d"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Ping(ctx); err == nil {
		t.Error("Ping on closed store should fail")
	}

	reopened, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	info, err := reopened.LatestCommitted(ctx, "job")
	if err != nil {
		t.Fatalf("LatestCommitted: %v", err)
	}
	if info.ID != 7 {
		t.Errorf("latest = %d, want 7", info.ID)
	}
	records, err := reopened.ReadRecords(ctx, "job", 7)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 1 || string(records[0].Value) != "state" || records[0].Index != 2 {
		t.Errorf("records = %+v", records)
	}
}

func TestMySQLStore_InvalidDSN(t *testing.T) {
	if os.Getenv("TEST_MYSQL_DSN") == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}
	if _, err := store.NewMySQLStore("invalid:dsn:string"); err == nil {
		t.Error("expected error with invalid DSN")
	}
}

func recordsEqual(a, b store.Record) bool {
	return a.Vertex == b.Vertex &&
		a.Index == b.Index &&
		a.Key == b.Key &&
		bytes.Equal(a.Value, b.Value) &&
		a.Broadcast == b.Broadcast &&
		a.Completed == b.Completed
}
