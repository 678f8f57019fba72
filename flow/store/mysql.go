package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/Aurora implementation of SnapshotStore for jobs
// whose snapshots must outlive the host.
//
// DSN format:
//
//	user:password@tcp(127.0.0.1:3306)/dataflow
type MySQLStore struct {
	*sqlSnapshots
}

// NewMySQLStore connects to MySQL, verifies the connection and creates the
// schema if needed.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{
		sqlSnapshots: &sqlSnapshots{
			db: db,
			insertPending: `
				INSERT IGNORE INTO snapshots (job_id, snapshot_id, status)
				VALUES (?, ?, ?)
			`,
		},
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			job_id VARCHAR(255) NOT NULL,
			snapshot_id BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			digest VARCHAR(80) NOT NULL DEFAULT '',
			committed_at BIGINT NULL,
			PRIMARY KEY (job_id, snapshot_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS snapshot_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			job_id VARCHAR(255) NOT NULL,
			snapshot_id BIGINT NOT NULL,
			vertex VARCHAR(255) NOT NULL,
			instance INT NOT NULL,
			record_key VARCHAR(1024) NOT NULL,
			value LONGBLOB NULL,
			broadcast TINYINT(1) NOT NULL DEFAULT 0,
			completed TINYINT(1) NOT NULL DEFAULT 0,
			INDEX idx_records_job_snapshot (job_id, snapshot_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns database connection pool statistics.
func (s *MySQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}
