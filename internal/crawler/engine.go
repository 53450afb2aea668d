package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// Run results reported on the RUN_DONE event.
const (
	resultSuccess     = "success"
	resultAborted     = "aborted"
	resultInterrupted = "interrupted"
	resultError       = "error"
)

// Engine runs the search and profile stages as one pipeline.
type Engine struct {
	cfg    Config
	deps   Deps
	sink   Sink
	logger *zap.Logger
}

// NewEngine validates the configuration and collaborators.
func NewEngine(cfg Config, deps Deps, sink Sink) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	deps, err := deps.resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, deps: deps, sink: sink, logger: deps.Logger}, nil
}

// Run crawls until the partition tree is exhausted, ctx ends, a checkpoint
// write fails, or the portal blocks the crawl. The Summary is valid in every
// case. A run stopped by the fatal breaker returns an error wrapping
// ErrSystemicBlock.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := e.deps.Clock.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	breaker := newFatalBreaker(e.cfg.MaxConsecutiveFatal, func() {
		e.logger.Error("aborting run: portal is refusing every call",
			zap.Int("consecutive_fatal", e.cfg.MaxConsecutiveFatal))
		cancel(ErrSystemicBlock)
	})

	sched, err := NewScheduler(e.cfg, e.deps, NewSeenSet())
	if err != nil {
		return Summary{}, err
	}
	sched.breaker = breaker
	profiles, err := NewProfileStage(e.cfg, e.deps, e.sink)
	if err != nil {
		return Summary{}, err
	}
	profiles.breaker = breaker

	e.logger.Info("crawl starting",
		zap.String("run_id", e.cfg.RunID),
		zap.String("date_from", e.cfg.Dates.From),
		zap.String("date_to", e.cfg.Dates.To),
		zap.Int("max_fanout_search", e.cfg.MaxFanoutSearch),
		zap.Int("max_fanout_profile", e.cfg.MaxFanoutProfile))
	e.deps.stamp(e.cfg.RunID, progress.Event{Stage: progress.StageRunStart})

	var (
		searchReport  SearchReport
		profileReport ProfileReport
	)
	rows := make(chan RowRef, e.cfg.RowBuffer)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(rows)
		var err error
		searchReport, err = sched.Run(gctx, rows)
		return err
	})
	g.Go(func() error {
		var err error
		profileReport, err = profiles.Run(gctx, rows)
		return err
	})
	runErr := g.Wait()

	summary := e.summarize(searchReport, profileReport)
	summary.Duration = e.deps.Clock.Now().Sub(start)

	result := resultSuccess
	switch {
	case errors.Is(context.Cause(runCtx), ErrSystemicBlock):
		summary.Aborted = true
		result = resultAborted
		runErr = fmt.Errorf("crawl %s: %w", e.cfg.RunID, ErrSystemicBlock)
	case runErr != nil && ctx.Err() != nil:
		result = resultInterrupted
		runErr = fmt.Errorf("crawl %s interrupted: %w", e.cfg.RunID, context.Cause(ctx))
	case runErr != nil:
		result = resultError
		runErr = fmt.Errorf("crawl %s: %w", e.cfg.RunID, runErr)
	}

	e.deps.stamp(e.cfg.RunID, progress.Event{
		Stage:  progress.StageRunDone,
		Action: result,
		Rows:   summary.RowsDiscovered,
		Dur:    summary.Duration,
	})
	e.logger.Info("crawl finished",
		zap.String("run_id", e.cfg.RunID),
		zap.String("result", result),
		zap.Int("nodes_visited", summary.NodesVisited),
		zap.Int("nodes_resumed", summary.NodesResumed),
		zap.Int("nodes_failed", summary.NodesFailed),
		zap.Int("nodes_terminal_overflow", summary.NodesTerminalOverflow),
		zap.Strings("gaps", summary.Gaps),
		zap.Int("rows_discovered", summary.RowsDiscovered),
		zap.Int("records_fetched", summary.RecordsFetched),
		zap.Int("records_written", summary.RecordsWritten),
		zap.Int("records_incomplete", summary.RecordsIncomplete),
		zap.Int("records_failed", summary.RecordsFailed),
		zap.Int("fatal_errors", summary.FatalErrors),
		zap.Duration("duration", summary.Duration))
	return summary, runErr
}

func (e *Engine) summarize(sr SearchReport, pr ProfileReport) Summary {
	stats := e.deps.Checkpoint.Stats()
	terminal := stats.Nodes[checkpoint.NodeTerminalOverflow]
	fetched := stats.Rows[checkpoint.RowFetched]
	return Summary{
		RunID:                 e.cfg.RunID,
		NodesVisited:          stats.Nodes[checkpoint.NodeDone] + terminal,
		NodesResumed:          sr.NodesResumed,
		NodesFailed:           len(sr.Failures),
		NodesTerminalOverflow: terminal,
		Gaps:                  stats.Gaps,
		RowsDiscovered:        stats.Rows[checkpoint.RowDiscovered] + fetched,
		RecordsFetched:        fetched,
		RecordsWritten:        pr.Written,
		RecordsIncomplete:     pr.Incomplete,
		RecordsFailed:         len(pr.Failures),
		Searches:              sr.Searches,
		ProfilesOpened:        pr.ProfilesOpened,
		FatalErrors:           sr.FatalErrors + pr.FatalErrors,
		NodeFailures:          sr.Failures,
		RowFailures:           pr.Failures,
	}
}
