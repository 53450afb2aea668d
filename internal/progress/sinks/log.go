package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// LogSink writes each event as a structured log line. Node and profile
// completions log at debug level; failures, retries and run boundaries at
// info or above.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Node != "" {
			fields = append(fields, zap.String("node", evt.Node))
		}
		if evt.RowID != "" {
			fields = append(fields, zap.String("row_id", evt.RowID))
		}
		if evt.Action != "" {
			fields = append(fields, zap.String("action", evt.Action))
		}
		switch evt.Stage {
		case progress.StageNodeDone:
			fields = append(fields, zap.Int("count", evt.Count), zap.Int("rows", evt.Rows))
		case progress.StageProfileDone:
			fields = append(fields, zap.Bool("complete", evt.Complete))
		case progress.StageRetry:
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StageNodeFailed, progress.StageProfileFailed:
			s.logger.Warn("crawl progress", fields...)
		case progress.StageNodeDone, progress.StageProfileDone, progress.StageNodeResumed:
			s.logger.Debug("crawl progress", fields...)
		default:
			s.logger.Info("crawl progress", fields...)
		}
	}
	return nil
}

// Close flushes the logger. Sync errors on stderr/stdout are ignored.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
