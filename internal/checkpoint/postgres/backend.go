// Package postgres implements the checkpoint backend on a shared Postgres
// table, for crawls driven from several hosts against one progress record.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Backend stores checkpoint entries in Postgres.
type Backend struct {
	pool  pool
	table string
}

// New connects to Postgres and ensures the checkpoint table exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required for the postgres backend")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := b.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool constructs a backend from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_checkpoint"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{pool: p, table: table}, nil
}

// EnsureSchema creates the checkpoint table when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, b.table)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load reads every entry.
func (b *Backend) Load(ctx context.Context) ([]checkpoint.Entry, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT key, status, detail FROM %s`, b.table))
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
func (b *Backend) Apply(ctx context.Context, entries []checkpoint.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, status, detail, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET status = EXCLUDED.status, detail = EXCLUDED.detail, updated_at = EXCLUDED.updated_at`, b.table)
	for _, e := range entries {
		if _, err := tx.Exec(ctx, query, e.Key, e.Status, e.Detail); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

// Reset deletes every entry.
func (b *Backend) Reset(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table)); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
