// Package app initializes and holds the long-lived services of one CLI
// invocation: logger, checkpoint backend, metrics registry and the factories
// for the record sink, progress hub and portal client.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	badgerbackend "github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/badger"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/postgres"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/sqlite"
	"github.com/JakeFAU/vitalrecords-crawler/internal/config"
	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/portal"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress/sinks"
	csvsink "github.com/JakeFAU/vitalrecords-crawler/internal/sink/csv"
	"github.com/JakeFAU/vitalrecords-crawler/internal/sink/jsonl"
)

// App holds the shared services for one command.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	backend  checkpoint.Backend

	mu    sync.Mutex
	store *checkpoint.Store
}

// NewApp opens the configured checkpoint backend and a fresh metrics
// registry. It fails fast if the backend cannot be reached.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := openBackend(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger.Debug("application services initialized", zap.String("checkpoint_backend", cfg.Checkpoint.Backend))
	return &App{cfg: cfg, logger: logger, registry: reg, backend: backend}, nil
}

func openBackend(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Backend, error) {
	var (
		backend checkpoint.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		backend, err = sqlite.Open(ctx, cfg.Path)
	case config.BackendPostgres:
		backend, err = postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
	case config.BackendBadger:
		backend, err = badgerbackend.Open(badgerbackend.Config{Path: cfg.Path, Logger: logger})
	case config.BackendMemory:
		logger.Warn("using the memory checkpoint backend; progress is lost on exit")
		backend = memory.NewBackend()
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint: %w", cfg.Backend, err)
	}
	return backend, nil
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the process logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetRegistry returns the registry served on /metrics.
func (a *App) GetRegistry() *prometheus.Registry {
	return a.registry
}

// OpenCheckpoint loads the checkpoint store. It is opened once per App;
// later calls return the same store and ignore resume.
func (a *App) OpenCheckpoint(ctx context.Context, resume bool) (*checkpoint.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	store, err := checkpoint.Open(ctx, a.backend, resume)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// OpenSink opens the configured record sink.
func (a *App) OpenSink() (crawler.Sink, error) {
	switch a.cfg.Sink.Format {
	case config.FormatCSV:
		columns := a.cfg.Sink.Columns
		if len(columns) == 0 {
			columns = a.fieldColumns()
		}
		s, err := csvsink.New(csvsink.Config{Path: a.cfg.Sink.Path, Columns: columns}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open csv sink: %w", err)
		}
		a.logger.Debug("csv sink opened",
			zap.String("path", a.cfg.Sink.Path),
			zap.Strings("columns", s.Columns()))
		return s, nil
	case config.FormatJSONL:
		s, err := jsonl.New(a.cfg.Sink.Path)
		if err != nil {
			return nil, fmt.Errorf("open jsonl sink: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink format: %s", a.cfg.Sink.Format)
	}
}

// fieldColumns lists the configured profile fields followed by the profile
// link column.
func (a *App) fieldColumns() []string {
	fields := a.cfg.Portal.ProfileFields
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, f.Name)
	}
	return append(out, portal.ProfileURLField)
}

// NewHub starts a progress hub feeding the log and Prometheus sinks.
func (a *App) NewHub() (*progress.Hub, error) {
	prom, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	ops := a.cfg.Ops
	return progress.NewHub(progress.Config{
		BufferSize: ops.EventBuffer,
		BatchSize:  ops.EventBatchSize,
		BatchWait:  ops.EventBatchWait,
		Logger:     a.logger.Named("progress"),
	}, sinks.NewLogSink(a.logger.Named("events")), prom), nil
}

// Close releases the checkpoint and flushes the logger.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.store != nil {
		err = a.store.Close()
	} else if a.backend != nil {
		err = a.backend.Close()
	}
	a.backend = nil
	a.store = nil
	// Sync fails on terminals; not worth reporting.
	_ = a.logger.Sync()
	if err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}
