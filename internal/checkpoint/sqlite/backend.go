// Package sqlite implements the checkpoint backend on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoint (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_status ON checkpoint(status);
`

const upsert = `
INSERT INTO checkpoint (key, status, detail, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	status = excluded.status,
	detail = excluded.detail,
	updated_at = excluded.updated_at`

// Backend stores checkpoint entries in a single SQLite table.
type Backend struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path, enabling WAL so a crash never
// leaves a half-written batch behind.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint.path is required for the sqlite backend")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=10000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Backend{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Load reads every entry.
func (b *Backend) Load(ctx context.Context) ([]checkpoint.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, status, detail FROM checkpoint`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Entry
	for rows.Next() {
		var e checkpoint.Entry
		if err := rows.Scan(&e.Key, &e.Status, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}
	return out, nil
}

// Apply upserts the batch inside one transaction.
func (b *Backend) Apply(ctx context.Context, entries []checkpoint.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("prepare checkpoint upsert: %w", err)
	}
	defer stmt.Close()

	now := b.now()
	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, e.Key, e.Status, e.Detail, now); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

// Reset deletes every entry.
func (b *Backend) Reset(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM checkpoint`); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}
