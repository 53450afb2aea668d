// Package checkpoint persists crawl progress so an interrupted run can resume
// without re-issuing completed searches or profile fetches.
//
// The layout is a flat key-value space with two disjoint namespaces:
//
//	node:{first}|{last}|{middle} -> status (+ outcome)
//	row:{row_id}                 -> status (+ source node key, listing fields)
//
// A Store keeps the full state in memory, loaded wholesale from a Backend at
// startup, and writes every mutation through to the Backend before it becomes
// visible to readers.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Key namespace prefixes.
const (
	NodePrefix = "node:"
	RowPrefix  = "row:"
)

// NodeStatus is the lifecycle state of a query node.
type NodeStatus string

// Node statuses.
const (
	NodePending          NodeStatus = "pending"
	NodeInProgress       NodeStatus = "in_progress"
	NodeDone             NodeStatus = "done"
	NodeTerminalOverflow NodeStatus = "terminal_overflow"
)

// Outcome records why a node reached NodeDone, which lets a resumed run
// rebuild the traversal without querying again.
type Outcome string

// Node outcomes.
const (
	OutcomeNone       Outcome = ""
	OutcomeAccepted   Outcome = "accepted"
	OutcomeSubdivided Outcome = "subdivided"
	OutcomeEmpty      Outcome = "empty"
)

// RowStatus is the fetch state of a discovered row.
type RowStatus string

// Row statuses.
const (
	RowDiscovered RowStatus = "discovered"
	RowFetched    RowStatus = "fetched"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("checkpoint store closed")

// Entry is one persisted key/value pair. Detail carries the node outcome for
// node keys. For row keys it is the source node key, or a JSON object holding
// the source and the listing fields when the row was listed with any.
type Entry struct {
	Key    string
	Status string
	Detail string
}

// Backend is the durable medium behind a Store. Apply must persist the whole
// batch atomically.
type Backend interface {
	Load(ctx context.Context) ([]Entry, error)
	Apply(ctx context.Context, entries []Entry) error
	Reset(ctx context.Context) error
	Close() error
}

// NodeState is the checkpointed state of one node.
type NodeState struct {
	Status  NodeStatus
	Outcome Outcome
}

// Completed reports whether the node needs no further searching.
func (s NodeState) Completed() bool {
	return s.Status == NodeDone || s.Status == NodeTerminalOverflow
}

// Row is a discovered row reference as persisted. Fields are the values the
// listing showed for it.
type Row struct {
	ID     string
	Source string
	Fields map[string]string
}

type rowDetail struct {
	Source string            `json:"source"`
	Fields map[string]string `json:"fields"`
}

func encodeRowDetail(source string, fields map[string]string) (string, error) {
	if len(fields) == 0 && !strings.HasPrefix(source, "{") {
		return source, nil
	}
	b, err := json.Marshal(rowDetail{Source: source, Fields: fields})
	if err != nil {
		return "", fmt.Errorf("encode row detail: %w", err)
	}
	return string(b), nil
}

func decodeRowDetail(detail string) (string, map[string]string, error) {
	if !strings.HasPrefix(detail, "{") {
		return detail, nil, nil
	}
	var d rowDetail
	if err := json.Unmarshal([]byte(detail), &d); err != nil {
		return "", nil, fmt.Errorf("decode row detail: %w", err)
	}
	return d.Source, d.Fields, nil
}

// RowState is the checkpointed state of one row.
type RowState struct {
	Status RowStatus
	Source string
}

// Stats summarizes the checkpoint contents.
type Stats struct {
	Nodes map[NodeStatus]int `json:"nodes"`
	Rows  map[RowStatus]int  `json:"rows"`
	Gaps  []string           `json:"gaps"`
}

// NodeKey returns the namespaced key for a node identity.
func NodeKey(nodeKey string) string { return NodePrefix + nodeKey }

// RowKey returns the namespaced key for a row id.
func RowKey(rowID string) string { return RowPrefix + rowID }

// Store is the in-memory view of the checkpoint. All mutations are serialized
// and flushed to the backend before the in-memory state changes.
type Store struct {
	mu         sync.RWMutex
	backend    Backend
	nodes      map[string]NodeState
	rows       map[string]RowState
	rowsByNode map[string][]string
	rowFields  map[string]map[string]string
	closed     bool
}

// Open loads the backend contents. When resume is false the backend is
// cleared first and the run starts clean. Nodes found in_progress are treated
// as pending, since their completion was never confirmed.
func Open(ctx context.Context, backend Backend, resume bool) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("checkpoint backend is required")
	}
	s := &Store{
		backend:    backend,
		nodes:      make(map[string]NodeState),
		rows:       make(map[string]RowState),
		rowsByNode: make(map[string][]string),
		rowFields:  make(map[string]map[string]string),
	}
	if !resume {
		if err := backend.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset checkpoint: %w", err)
		}
		return s, nil
	}
	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	// Sort so rowsByNode ordering does not depend on backend iteration order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for _, e := range entries {
		if err := s.applyLocked(e); err != nil {
			return nil, err
		}
	}
	for key, st := range s.nodes {
		if st.Status == NodeInProgress {
			s.nodes[key] = NodeState{Status: NodePending}
		}
	}
	return s, nil
}

// Node returns the state of a node key, if any.
func (s *Store) Node(key string) (NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.nodes[key]
	return st, ok
}

// Row returns the state of a row id, if any.
func (s *Store) Row(id string) (RowState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rows[id]
	return st, ok
}

// RowsFor returns the rows first discovered under nodeKey, with the listing
// fields of those not yet fetched.
func (s *Store) RowsFor(nodeKey string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rowsByNode[nodeKey]
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		r := Row{ID: id, Source: s.rows[id].Source}
		if f, ok := s.rowFields[id]; ok {
			r.Fields = make(map[string]string, len(f))
			for k, v := range f {
				r.Fields[k] = v
			}
		}
		out = append(out, r)
	}
	return out
}

// MarkNode sets a node status with no outcome.
func (s *Store) MarkNode(ctx context.Context, key string, status NodeStatus) error {
	return s.commit(ctx, []Entry{nodeEntry(key, NodeState{Status: status})})
}

// CompleteNode records a node's final state together with the rows it
// yielded, in one atomic batch. Rows already known are left untouched so a
// fetched row is never downgraded.
func (s *Store) CompleteNode(ctx context.Context, key string, state NodeState, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(rows)+1)
	added := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			continue
		}
		if _, ok := s.rows[r.ID]; ok {
			continue
		}
		if _, ok := added[r.ID]; ok {
			continue
		}
		added[r.ID] = struct{}{}
		detail, err := encodeRowDetail(key, r.Fields)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Key: RowKey(r.ID), Status: string(RowDiscovered), Detail: detail})
	}
	entries = append(entries, nodeEntry(key, state))
	return s.commitLocked(ctx, entries)
}

// MarkRowFetched records that a row's record reached the sink.
func (s *Store) MarkRowFetched(ctx context.Context, row Row) error {
	source := row.Source
	if st, ok := s.Row(row.ID); ok && st.Source != "" {
		source = st.Source
	}
	detail, err := encodeRowDetail(source, nil)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Entry{{Key: RowKey(row.ID), Status: string(RowFetched), Detail: detail}})
}

// Stats returns status counts and the sorted list of terminal-overflow nodes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Nodes: make(map[NodeStatus]int),
		Rows:  make(map[RowStatus]int),
	}
	for key, n := range s.nodes {
		st.Nodes[n.Status]++
		if n.Status == NodeTerminalOverflow {
			st.Gaps = append(st.Gaps, key)
		}
	}
	for _, r := range s.rows {
		st.Rows[r.Status]++
	}
	sort.Strings(st.Gaps)
	return st
}

// Reset clears both the backend and the in-memory state.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	s.nodes = make(map[string]NodeState)
	s.rows = make(map[string]RowState)
	s.rowsByNode = make(map[string][]string)
	s.rowFields = make(map[string]map[string]string)
	return nil
}

// Close closes the backend. Further mutations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close checkpoint backend: %w", err)
	}
	return nil
}

func (s *Store) commit(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, entries)
}

func (s *Store) commitLocked(ctx context.Context, entries []Entry) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Apply(ctx, entries); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	for _, e := range entries {
		if err := s.applyLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyLocked(e Entry) error {
	switch {
	case strings.HasPrefix(e.Key, NodePrefix):
		s.nodes[strings.TrimPrefix(e.Key, NodePrefix)] = NodeState{
			Status:  NodeStatus(e.Status),
			Outcome: Outcome(e.Detail),
		}
	case strings.HasPrefix(e.Key, RowPrefix):
		id := strings.TrimPrefix(e.Key, RowPrefix)
		source, fields, err := decodeRowDetail(e.Detail)
		if err != nil {
			return fmt.Errorf("row %s: %w", id, err)
		}
		if _, known := s.rows[id]; !known && source != "" {
			s.rowsByNode[source] = append(s.rowsByNode[source], id)
		}
		s.rows[id] = RowState{Status: RowStatus(e.Status), Source: source}
		// Fields are only needed until the row is fetched.
		if len(fields) > 0 && RowStatus(e.Status) == RowDiscovered {
			s.rowFields[id] = fields
		} else {
			delete(s.rowFields, id)
		}
	default:
		return fmt.Errorf("unknown checkpoint key namespace: %q", e.Key)
	}
	return nil
}

func nodeEntry(key string, st NodeState) Entry {
	return Entry{Key: NodeKey(key), Status: string(st.Status), Detail: string(st.Outcome)}
}
