package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

var errNoListingFields = errors.New("row has no profile link and no stored listing fields")

// ProfileStage opens the profile of every discovered row and writes the
// resulting Record to the Sink. Rows with a derived id have no profile page
// and are written from their listing fields. A row is marked fetched only
// after the Sink accepted its record, so delivery is at-least-once.
type ProfileStage struct {
	cfg     Config
	deps    Deps
	sink    Sink
	retry   retrier
	breaker *fatalBreaker
	logger  *zap.Logger
}

// NewProfileStage builds a ProfileStage writing to sink.
func NewProfileStage(cfg Config, deps Deps, sink Sink) (*ProfileStage, error) {
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
	logger := deps.Logger.Named("profile")
	return &ProfileStage{
		cfg:    cfg,
		deps:   deps,
		sink:   sink,
		retry:  deps.retrier(cfg, logger),
		logger: logger,
	}, nil
}

type fetchResult struct {
	opened     bool
	written    bool
	incomplete bool
	failure    *Failure
}

// Run consumes rows until in is closed or ctx ends. It returns an error only
// when the run must stop: a checkpoint write failed or ctx ended.
func (p *ProfileStage) Run(ctx context.Context, in <-chan RowRef) (ProfileReport, error) {
	var (
		mu     sync.Mutex
		report ProfileReport
	)
	claimed := NewSeenSet()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxFanoutProfile)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case row, ok := <-in:
			if !ok {
				break loop
			}
			report.RowsReceived++
			if !claimed.Add(row.ID) {
				report.Duplicates++
				continue
			}
			if st, ok := p.deps.Checkpoint.Row(row.ID); ok && st.Status == checkpoint.RowFetched {
				report.AlreadyFetched++
				continue
			}
			g.Go(func() error {
				res, err := p.fetch(gctx, row)
				mu.Lock()
				defer mu.Unlock()
				if res.opened {
					report.ProfilesOpened++
				}
				if res.written {
					report.Written++
				}
				if res.incomplete {
					report.Incomplete++
				}
				if res.failure != nil {
					report.Failures = append(report.Failures, *res.failure)
					if res.failure.Class == ClassFatal {
						report.FatalErrors++
					}
				}
				return err
			})
		}
	}

	err := g.Wait()
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Key < report.Failures[j].Key })
	if err != nil {
		return report, fmt.Errorf("profile stage: %w", err)
	}
	if ctx.Err() != nil {
		return report, fmt.Errorf("profile stage: %w", context.Cause(ctx))
	}
	return report, nil
}

// fetch handles one row. Portal and sink failures are reported in the
// result; only a checkpoint failure is returned as an error.
func (p *ProfileStage) fetch(ctx context.Context, row RowRef) (fetchResult, error) {
	var res fetchResult
	logger := p.logger.With(zap.String("row_id", row.ID), zap.String("node", row.SourceNode))
	start := p.deps.Clock.Now()

	var fields map[string]string
	if IsDerivedRowID(row.ID) {
		// No profile page exists; the listing is the whole record.
		if len(row.Fields) == 0 {
			res.failure = p.fail(ctx, row, errNoListingFields, logger)
			return res, nil
		}
	} else {
		err := p.retry.do(ctx, "open profile", func(callCtx context.Context) error {
			f, err := p.deps.Client.OpenProfile(callCtx, row.ID)
			if err != nil {
				return err
			}
			fields = f
			return nil
		})
		if err != nil {
			res.failure = p.fail(ctx, row, err, logger)
			return res, nil
		}
		res.opened = true
		p.breaker.success()
	}

	rec := p.buildRecord(row, fields)
	if !rec.Complete {
		logger.Warn("profile incomplete", zap.Error(&DataError{RowID: row.ID, Missing: rec.Missing}))
	}

	err := p.retry.do(ctx, "write record", func(callCtx context.Context) error {
		return p.sink.Write(callCtx, rec)
	})
	if err != nil {
		res.failure = p.fail(ctx, row, err, logger)
		return res, nil
	}

	if err := p.deps.Checkpoint.MarkRowFetched(persistCtx(ctx), checkpoint.Row{ID: row.ID, Source: row.SourceNode}); err != nil {
		return res, &checkpointError{err: err}
	}
	res.written = true
	res.incomplete = !rec.Complete

	p.deps.stamp(p.cfg.RunID, progress.Event{
		Stage:    progress.StageProfileDone,
		Node:     row.SourceNode,
		RowID:    row.ID,
		Complete: rec.Complete,
		Dur:      p.deps.Clock.Now().Sub(start),
	})
	return res, nil
}

func (p *ProfileStage) fail(ctx context.Context, row RowRef, err error, logger *zap.Logger) *Failure {
	class := Classify(err)
	if class == ClassCanceled || ctx.Err() != nil {
		return nil
	}
	if class == ClassFatal {
		p.breaker.fatal()
	}
	logger.Warn("profile failed", zap.String("class", string(class)), zap.Error(err))
	p.deps.stamp(p.cfg.RunID, progress.Event{
		Stage:  progress.StageProfileFailed,
		Node:   row.SourceNode,
		RowID:  row.ID,
		Action: string(class),
		Note:   err.Error(),
	})
	return &Failure{Key: row.ID, Class: class, Err: err.Error()}
}

// buildRecord overlays the profile fields on the fields visible in the
// listing and checks the required set.
func (p *ProfileStage) buildRecord(row RowRef, profile map[string]string) Record {
	fields := make(map[string]string, len(row.Fields)+len(profile))
	for k, v := range row.Fields {
		fields[k] = v
	}
	for k, v := range profile {
		fields[k] = v
	}
	var missing []string
	for _, name := range p.cfg.RequiredFields {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}
	return Record{
		RowID:      row.ID,
		SourceNode: row.SourceNode,
		RunID:      p.cfg.RunID,
		FetchedAt:  p.deps.Clock.Now(),
		Fields:     fields,
		Complete:   len(missing) == 0,
		Missing:    missing,
	}
}
