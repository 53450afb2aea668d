package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

const upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// portalEntry is one record in the synthetic portal. A record is listed
// under any search matching one of its applicants. Unlinked records are
// listed without a profile link.
type portalEntry struct {
	ID         string
	Applicants [][3]string
	Profile    map[string]string
	Unlinked   bool
}

func (e portalEntry) matches(n partition.Node) bool {
	for _, a := range e.Applicants {
		if strings.HasPrefix(a[0], n.First) && strings.HasPrefix(a[1], n.Last) && strings.HasPrefix(a[2], n.Middle) {
			return true
		}
	}
	return false
}

// fakePortal lists at most cap rows per search but reports the full count.
type fakePortal struct {
	mu        sync.Mutex
	entries   []portalEntry
	cap       int
	searches  map[string]int
	opens     map[string]int
	searchErr func(ctx context.Context, key string, call int) error
	openErr   func(id string, call int) error
}

func newFakePortal(entries []portalEntry, listingCap int) *fakePortal {
	return &fakePortal{
		entries:  entries,
		cap:      listingCap,
		searches: make(map[string]int),
		opens:    make(map[string]int),
	}
}

func (p *fakePortal) Search(ctx context.Context, n partition.Node) (SearchResult, error) {
	key := n.Key()
	p.mu.Lock()
	p.searches[key]++
	call := p.searches[key]
	hook := p.searchErr
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, key, call); err != nil {
			return SearchResult{}, err
		}
	}

	var res SearchResult
	for _, e := range p.entries {
		if !e.matches(n) {
			continue
		}
		res.Count++
		if len(res.Rows) < p.cap {
			a := e.Applicants[0]
			row := RowRef{
				ID:     e.ID,
				Fields: map[string]string{"Applicant 1": a[0] + " " + a[2] + " " + a[1]},
			}
			if e.Unlinked {
				row.ID = ""
			}
			res.Rows = append(res.Rows, row)
		}
	}
	return res, nil
}

func (p *fakePortal) OpenProfile(_ context.Context, id string) (map[string]string, error) {
	p.mu.Lock()
	p.opens[id]++
	call := p.opens[id]
	hook := p.openErr
	p.mu.Unlock()
	if hook != nil {
		if err := hook(id, call); err != nil {
			return nil, err
		}
	}
	for _, e := range p.entries {
		if e.ID == id {
			out := make(map[string]string, len(e.Profile))
			for k, v := range e.Profile {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, Fatal("open profile", "unknown row", errors.New(id))
}

func (p *fakePortal) Searches(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searches[key]
}

func (p *fakePortal) TotalSearches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.searches {
		n += c
	}
	return n
}

func (p *fakePortal) TotalOpens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.opens {
		n += c
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (s *recordingSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *recordingSink) IDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.records))
	for _, r := range s.records {
		out[r.RowID]++
	}
	return out
}

type failingSink struct {
	err error
}

func (s failingSink) Write(context.Context, Record) error { return s.err }

func (failingSink) Close() error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// failAfterBackend persists the first n batches and fails every later one.
type failAfterBackend struct {
	*memory.Backend
	mu        sync.Mutex
	remaining int
}

func (b *failAfterBackend) Apply(ctx context.Context, entries []checkpoint.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return errors.New("disk full")
	}
	b.remaining--
	return b.Backend.Apply(ctx, entries)
}

func applicant(f, l, m int) [3]string {
	return [3]string{string(upper[f%26]) + "OHN", string(upper[l%26]) + "MITH", string(upper[m%26]) + "AE"}
}

func addEntry(entries []portalEntry, applicants ...[3]string) []portalEntry {
	n := len(entries) + 1
	return append(entries, portalEntry{
		ID:         fmt.Sprintf("https://portal.test/Certificate?id=%d", n),
		Applicants: applicants,
		Profile: map[string]string{
			"Certificate Number": fmt.Sprintf("C-%05d", n),
			"County":             "Hennepin",
		},
	})
}

// syntheticEntries is 180 records: 120 spread over every first letter, one in
// ten with a second applicant under another letter, and 60 sharing the J/S
// prefix so the traversal reaches the middle-name level. With a cap of 30 the
// full tree is 79 nodes and no leaf overflows.
func syntheticEntries() []portalEntry {
	var entries []portalEntry
	for i := 0; i < 120; i++ {
		a := applicant(i, i*7, i*11)
		if i%10 == 0 {
			entries = addEntry(entries, a, applicant(i+13, i*3, i*5))
			continue
		}
		entries = addEntry(entries, a)
	}
	for i := 0; i < 60; i++ {
		entries = addEntry(entries, applicant(9, 18, i))
	}
	return entries
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RunID = "run-test"
	cfg.RetryBackoffBase = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	cfg.RowBuffer = 4
	return cfg
}

type harness struct {
	portal  *fakePortal
	sink    *recordingSink
	backend checkpoint.Backend
	store   *checkpoint.Store
	events  *eventRecorder
}

func newHarness(t *testing.T, portal *fakePortal, backend checkpoint.Backend) *harness {
	t.Helper()
	store, err := checkpoint.Open(context.Background(), backend, true)
	require.NoError(t, err)
	return &harness{
		portal:  portal,
		sink:    &recordingSink{},
		backend: backend,
		store:   store,
		events:  &eventRecorder{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Client:     h.portal,
		Checkpoint: h.store,
		Clock:      fixedClock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		Events:     h.events,
	}
}

func (h *harness) run(t *testing.T, cfg Config) (Summary, error) {
	t.Helper()
	engine, err := NewEngine(cfg, h.deps(), h.sink)
	require.NoError(t, err)
	return engine.Run(context.Background())
}
