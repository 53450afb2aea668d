// Package badger implements the checkpoint backend on an embedded BadgerDB,
// using the namespaced checkpoint keys verbatim as Badger keys.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

// Config holds configuration for the Badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory disables disk persistence (tests only).
	InMemory bool
	// Logger receives Badger's internal log lines; nil silences them.
	Logger *zap.Logger
}

// Backend stores checkpoint entries in Badger. Values are "status\x00detail".
type Backend struct {
	db *badger.DB
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, a ...interface{})   { l.s.Errorf(f, a...) }
func (l zapLogger) Warningf(f string, a ...interface{}) { l.s.Warnf(f, a...) }
func (l zapLogger) Infof(f string, a ...interface{})    { l.s.Debugf(f, a...) }
func (l zapLogger) Debugf(f string, a ...interface{})   { l.s.Debugf(f, a...) }

// Open opens the database with synchronous writes so every Apply is durable.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("checkpoint.path is required for the badger backend")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Backend{db: db}, nil
}

// Load iterates both key namespaces.
func (b *Backend) Load(_ context.Context) ([]checkpoint.Entry, error) {
	var out []checkpoint.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{checkpoint.NodePrefix, checkpoint.RowPrefix} {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return fmt.Errorf("read %s: %w", item.Key(), err)
				}
				out = append(out, decode(string(item.KeyCopy(nil)), val))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load badger checkpoint: %w", err)
	}
	return out, nil
}

// Apply writes the batch in one transaction.
func (b *Backend) Apply(_ context.Context, entries []checkpoint.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Set([]byte(e.Key), encode(e)); err != nil {
				return fmt.Errorf("set %s: %w", e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply badger checkpoint: %w", err)
	}
	return nil
}

// Reset drops both namespaces.
func (b *Backend) Reset(_ context.Context) error {
	if err := b.db.DropPrefix([]byte(checkpoint.NodePrefix), []byte(checkpoint.RowPrefix)); err != nil {
		return fmt.Errorf("reset badger checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func encode(e checkpoint.Entry) []byte {
	return []byte(e.Status + "\x00" + e.Detail)
}

func decode(key string, val []byte) checkpoint.Entry {
	status, detail, _ := strings.Cut(string(val), "\x00")
	return checkpoint.Entry{Key: key, Status: status, Detail: detail}
}
