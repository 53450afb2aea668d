// Package memory provides a volatile checkpoint backend for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

// Backend keeps checkpoint entries in a map.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]checkpoint.Entry
	applies int
}

// NewBackend constructs an empty Backend.
func NewBackend() *Backend {
	return &Backend{entries: make(map[string]checkpoint.Entry)}
}

// Load returns a copy of every entry.
func (b *Backend) Load(_ context.Context) ([]checkpoint.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]checkpoint.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out, nil
}

// Apply upserts the batch.
func (b *Backend) Apply(_ context.Context, entries []checkpoint.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.entries[e.Key] = e
	}
	b.applies++
	return nil
}

// Reset drops every entry.
func (b *Backend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]checkpoint.Entry)
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

// Applies reports how many batches have been flushed.
func (b *Backend) Applies() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applies
}

// Get returns a single entry by its namespaced key.
func (b *Backend) Get(key string) (checkpoint.Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}
