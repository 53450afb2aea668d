// Package jsonl writes crawl records as newline-delimited JSON.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/sink"
)

// Sink appends one JSON object per record, synced on every write. A failed
// write leaves the file as it was, so the record can be written again.
type Sink struct {
	mu sync.Mutex
	f  sink.File
}

// New opens or creates path for appending.
func New(path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sink.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Sink{f: f}, nil
}

// Write appends rec.
func (s *Sink) Write(ctx context.Context, rec crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write record %s: %w", rec.RowID, err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.RowID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("jsonl sink closed")
	}
	if err := sink.AppendSynced(s.f, append(payload, '\n')); err != nil {
		return fmt.Errorf("write record %s: %w", rec.RowID, err)
	}
	return nil
}

// Close closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("close jsonl sink: %w", err)
	}
	return nil
}
