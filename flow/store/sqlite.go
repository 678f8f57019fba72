package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of SnapshotStore.
//
// It keeps snapshots in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process jobs that must survive a process restart
//
// SQLiteStore uses WAL mode so restore reads do not block snapshot writes.
//
// Schema:
//   - snapshots: one row per snapshot with its status and digest
//   - snapshot_records: the state records, in write order
type SQLiteStore struct {
	*sqlSnapshots
	path string
}

// NewSQLiteStore opens (creating if needed) a SQLite snapshot store.
//
// The path parameter specifies the database file location:
//   - "./snapshots.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./snapshots.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	s := &SQLiteStore{
		sqlSnapshots: &sqlSnapshots{
			db: db,
			insertPending: `
				INSERT INTO snapshots (job_id, snapshot_id, status)
				VALUES (?, ?, ?)
				ON CONFLICT(job_id, snapshot_id) DO NOTHING
			`,
		},
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			job_id TEXT NOT NULL,
			snapshot_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			digest TEXT NOT NULL DEFAULT '',
			committed_at INTEGER,
			PRIMARY KEY (job_id, snapshot_id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			snapshot_id INTEGER NOT NULL,
			vertex TEXT NOT NULL,
			instance INTEGER NOT NULL,
			record_key TEXT NOT NULL,
			value BLOB,
			broadcast INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0
		)`,
		"CREATE INDEX IF NOT EXISTS idx_records_job_snapshot ON snapshot_records(job_id, snapshot_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
