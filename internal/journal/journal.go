// Package journal keeps an audit trail of executed operation batches in a
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultPath is the default journal location
const DefaultPath = "/var/lib/delphinos-installer/partition-journal.db"

// Batch statuses
const (
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusCompensated = "compensated"
)

// Journal wraps the SQLite database connection
type Journal struct {
	conn *sql.DB
	path string
}

// Batch is one executed batch of operations
type Batch struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Device     string    `json:"device"`
	Backend    string    `json:"backend"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Operations []Entry   `json:"operations"`
}

// Entry is one operation of a batch
type Entry struct {
	Seq         int    `json:"seq"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Report      string `json:"report,omitempty"`
}

// Open opens or creates the journal database at path
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{conn: conn, path: path}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{
		migrationV1,
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := j.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    device TEXT NOT NULL,
    backend TEXT,
    status TEXT NOT NULL,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);
CREATE INDEX IF NOT EXISTS idx_batches_device ON batches(device);

CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY,
    batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    report TEXT
);

CREATE INDEX IF NOT EXISTS idx_operations_batch ON operations(batch_id);
`

// RecordBatch stores b and its operations. An ID is assigned when b.ID is empty.
func (j *Journal) RecordBatch(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, kind, device, backend, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Kind, b.Device, nullString(b.Backend), b.Status, nullString(b.Error), b.StartedAt, b.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}

	for _, op := range b.Operations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operations (batch_id, seq, kind, description, status, report)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.ID, op.Seq, op.Kind, op.Description, op.Status, nullString(op.Report))
		if err != nil {
			return fmt.Errorf("failed to record operation: %w", err)
		}
	}

	return tx.Commit()
}

// RecentBatches returns the most recent batches with their operations
func (j *Journal) RecentBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, kind, device, backend, status, error, started_at, finished_at
		FROM batches
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		var backend, errText sql.NullString
		if err := rows.Scan(&b.ID, &b.Kind, &b.Device, &backend, &b.Status, &errText, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Backend = backend.String
		b.Error = errText.String
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range batches {
		if b.Operations, err = j.operations(ctx, b.ID); err != nil {
			return nil, err
		}
	}

	return batches, nil
}

// Batch returns a single batch by ID, nil when it does not exist
func (j *Journal) Batch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	var backend, errText sql.NullString
	err := j.conn.QueryRowContext(ctx, `
		SELECT id, kind, device, backend, status, error, started_at, finished_at
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &b.Kind, &b.Device, &backend, &b.Status, &errText, &b.StartedAt, &b.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	b.Backend = backend.String
	b.Error = errText.String

	if b.Operations, err = j.operations(ctx, b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (j *Journal) operations(ctx context.Context, batchID string) ([]Entry, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT seq, kind, description, status, report
		FROM operations
		WHERE batch_id = ?
		ORDER BY seq
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []Entry
	for rows.Next() {
		var e Entry
		var rep sql.NullString
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Description, &e.Status, &rep); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		e.Report = rep.String
		ops = append(ops, e)
	}
	return ops, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
