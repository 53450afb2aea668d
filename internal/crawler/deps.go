package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/clock/system"
	"github.com/JakeFAU/vitalrecords-crawler/internal/hash/sha256"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// Deps bundles the collaborators shared by the crawl stages. Client and
// Checkpoint are required; the rest fall back to defaults.
type Deps struct {
	Client     FormClient
	Checkpoint Checkpoint
	Hasher     Hasher
	Retry      RetryPolicy
	Clock      Clock
	Events     progress.Emitter
	Logger     *zap.Logger
}

func (d Deps) resolve(cfg Config) (Deps, error) {
	if d.Client == nil {
		return d, errors.New("form client is required")
	}
	if d.Checkpoint == nil {
		return d, errors.New("checkpoint is required")
	}
	if d.Hasher == nil {
		d.Hasher = sha256.New()
	}
	if d.Retry == nil {
		d.Retry = NewExponentialRetryPolicy(cfg.RetryMaxAttempts, cfg.RetryBackoffBase, cfg.RetryBackoffMax)
	}
	if d.Clock == nil {
		d.Clock = system.New()
	}
	if d.Events == nil {
		d.Events = progress.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d, nil
}

// stamp fills the run id and timestamp before handing evt to the emitter.
func (d Deps) stamp(runID string, evt progress.Event) {
	evt.RunID = runID
	evt.TS = d.Clock.Now()
	d.Events.Emit(evt)
}

func (d Deps) retrier(cfg Config, logger *zap.Logger) retrier {
	return retrier{
		policy:  d.Retry,
		timeout: cfg.CallTimeout,
		onRetry: func(op string, attempt int, err error) {
			logger.Debug("retrying call", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			d.stamp(cfg.RunID, progress.Event{
				Stage:   progress.StageRetry,
				Action:  string(Classify(err)),
				Attempt: attempt,
				Note:    op,
			})
		},
	}
}

// persistCtx detaches checkpoint writes from run cancellation so an in-flight
// call that finished can still record its outcome.
func persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// checkpointError marks a failed checkpoint write, which ends the run.
type checkpointError struct {
	err error
}

func (e *checkpointError) Error() string { return fmt.Sprintf("checkpoint write: %v", e.err) }

func (e *checkpointError) Unwrap() error { return e.err }
