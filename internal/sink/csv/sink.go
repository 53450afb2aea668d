// Package csv writes crawl records as CSV rows, one per record, appending to
// an existing file across runs.
package csv

import (
	"bytes"
	"context"
	encsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/sink"
)

// DefaultColumns are the profile fields written when none are configured.
var DefaultColumns = []string{
	"Applicant 1",
	"Applicant 2",
	"Certificate Number",
	"Date Filed",
	"County",
	"Profile URL",
}

// Trailing bookkeeping columns.
var metaColumns = []string{"row_id", "source_node", "complete", "missing", "fetched_at", "run_id"}

// Config controls the output file.
type Config struct {
	Path    string
	Columns []string
}

// Sink appends records to a CSV file. Each Write is synced before it
// returns; a failed one leaves the file as it was.
type Sink struct {
	mu      sync.Mutex
	f       sink.File
	buf     bytes.Buffer
	w       *encsv.Writer
	columns []string
	logger  *zap.Logger
}

// New opens or creates the file. An existing non-empty file keeps its own
// header, so columns line up with earlier runs.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sink.path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir for %s: %w", cfg.Path, err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	s := &Sink{f: f, logger: logger.Named("csv_sink")}
	s.w = encsv.NewWriter(&s.buf)

	header, err := encsv.NewReader(f).Read()
	switch {
	case errors.Is(err, io.EOF):
		fields := cfg.Columns
		if len(fields) == 0 {
			fields = DefaultColumns
		}
		s.columns = append(append([]string(nil), fields...), metaColumns...)
		if err := s.writeRow(s.columns); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header to %s: %w", cfg.Path, err)
		}
	case err != nil:
		_ = f.Close()
		return nil, fmt.Errorf("read header of %s: %w", cfg.Path, err)
	default:
		s.columns = header
		s.logger.Info("appending to existing file", zap.String("path", cfg.Path), zap.Int("columns", len(header)))
	}
	return s, nil
}

// Columns returns the header in effect.
func (s *Sink) Columns() []string {
	return append([]string(nil), s.columns...)
}

// Write appends one record.
func (s *Sink) Write(ctx context.Context, rec crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write record %s: %w", rec.RowID, err)
	}
	row := make([]string, len(s.columns))
	for i, col := range s.columns {
		row[i] = value(rec, col)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("csv sink closed")
	}
	if err := s.writeRow(row); err != nil {
		return fmt.Errorf("write record %s: %w", rec.RowID, err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("close csv sink: %w", err)
	}
	return nil
}

// writeRow encodes row in full before appending it in one write.
func (s *Sink) writeRow(row []string) error {
	s.buf.Reset()
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return sink.AppendSynced(s.f, s.buf.Bytes())
}

func value(rec crawler.Record, col string) string {
	switch col {
	case "row_id":
		return rec.RowID
	case "source_node":
		return rec.SourceNode
	case "complete":
		return strconv.FormatBool(rec.Complete)
	case "missing":
		return strings.Join(rec.Missing, ";")
	case "fetched_at":
		if rec.FetchedAt.IsZero() {
			return ""
		}
		return rec.FetchedAt.UTC().Format(time.RFC3339)
	case "run_id":
		return rec.RunID
	default:
		return rec.Fields[col]
	}
}
