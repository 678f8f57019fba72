package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	statusPending   = "pending"
	statusCommitted = "committed"
)

// sqlSnapshots implements SnapshotStore on database/sql. SQLiteStore and
// MySQLStore embed it and differ only in schema DDL and the statement that
// registers a pending snapshot.
type sqlSnapshots struct {
	db            *sql.DB
	mu            sync.RWMutex
	closed        bool
	insertPending string
}

func (s *sqlSnapshots) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// WriteRecords implements SnapshotStore.
//
// All records of one call are inserted in a single transaction.
func (s *sqlSnapshots) WriteRecords(ctx context.Context, jobID string, snapshotID int64, records []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.insertPending, jobID, snapshotID, statusPending); err != nil {
		return fmt.Errorf("failed to register snapshot: %w", err)
	}
	status, err := snapshotStatus(ctx, tx, jobID, snapshotID)
	if err != nil {
		return err
	}
	if status == statusCommitted {
		return ErrAlreadyCommitted
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_records (job_id, snapshot_id, vertex, instance, record_key, value, broadcast, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, jobID, snapshotID, r.Vertex, r.Index, r.Key, r.Value, r.Broadcast, r.Completed); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Commit implements SnapshotStore.
func (s *sqlSnapshots) Commit(ctx context.Context, jobID string, snapshotID int64, digest string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.insertPending, jobID, snapshotID, statusPending); err != nil {
		return fmt.Errorf("failed to register snapshot: %w", err)
	}
	status, err := snapshotStatus(ctx, tx, jobID, snapshotID)
	if err != nil {
		return err
	}
	if status == statusCommitted {
		return ErrAlreadyCommitted
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, digest = ?, committed_at = ?
		WHERE job_id = ? AND snapshot_id = ?
	`, statusCommitted, digest, time.Now().UnixNano(), jobID, snapshotID)
	if err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	// Older snapshots are superseded once this one is visible.
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_records WHERE job_id = ? AND snapshot_id < ?", jobID, snapshotID); err != nil {
		return fmt.Errorf("failed to prune records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE job_id = ? AND snapshot_id < ?", jobID, snapshotID); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Discard implements SnapshotStore.
func (s *sqlSnapshots) Discard(ctx context.Context, jobID string, snapshotID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := snapshotStatus(ctx, tx, jobID, snapshotID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == statusCommitted {
		return nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_records WHERE job_id = ? AND snapshot_id = ?", jobID, snapshotID); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE job_id = ? AND snapshot_id = ?", jobID, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LatestCommitted implements SnapshotStore.
func (s *sqlSnapshots) LatestCommitted(ctx context.Context, jobID string) (SnapshotInfo, error) {
	if err := s.checkOpen(); err != nil {
		return SnapshotInfo{}, err
	}

	query := `
		SELECT snapshot_id, digest, committed_at
		FROM snapshots
		WHERE job_id = ? AND status = ?
		ORDER BY snapshot_id DESC
		LIMIT 1
	`
	var (
		info        = SnapshotInfo{JobID: jobID}
		committedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, jobID, statusCommitted).Scan(&info.ID, &info.Digest, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotInfo{}, ErrNotFound
	}
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if committedAt.Valid {
		info.CommittedAt = time.Unix(0, committedAt.Int64)
	}
	return info, nil
}

// ReadRecords implements SnapshotStore.
func (s *sqlSnapshots) ReadRecords(ctx context.Context, jobID string, snapshotID int64) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	status, err := snapshotStatus(ctx, s.db, jobID, snapshotID)
	if err != nil {
		return nil, err
	}
	if status != statusCommitted {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vertex, instance, record_key, value, broadcast, completed
		FROM snapshot_records
		WHERE job_id = ? AND snapshot_id = ?
		ORDER BY id
	`, jobID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Vertex, &r.Index, &r.Key, &r.Value, &r.Broadcast, &r.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

// Close closes the database connection. Subsequent calls fail.
func (s *sqlSnapshots) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlSnapshots) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func snapshotStatus(ctx context.Context, q queryRower, jobID string, snapshotID int64) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, "SELECT status FROM snapshots WHERE job_id = ? AND snapshot_id = ?", jobID, snapshotID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load snapshot status: %w", err)
	}
	return status, nil
}
