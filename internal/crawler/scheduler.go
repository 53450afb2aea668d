package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// Scheduler walks the partition tree depth-first, searching every node the
// checkpoint has not completed and emitting the rows of accepted nodes.
type Scheduler struct {
	cfg     Config
	deps    Deps
	part    *partition.Partitioner
	seen    *SeenSet
	retry   retrier
	breaker *fatalBreaker
	logger  *zap.Logger
}

// NewScheduler builds a Scheduler. seen may be shared with other producers of
// the same row stream; nil gets a fresh set.
func NewScheduler(cfg Config, deps Deps, seen *SeenSet) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	deps, err := deps.resolve(cfg)
	if err != nil {
		return nil, err
	}
	alphabet := cfg.Alphabet
	if alphabet.Len() == 0 {
		alphabet = partition.DefaultAlphabet()
	}
	part, err := partition.NewPartitioner(cfg.ResultCap, alphabet)
	if err != nil {
		return nil, fmt.Errorf("build partitioner: %w", err)
	}
	if seen == nil {
		seen = NewSeenSet()
	}
	logger := deps.Logger.Named("search")
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		part:   part,
		seen:   seen,
		retry:  deps.retrier(cfg, logger),
		logger: logger,
	}, nil
}

type visitResult struct {
	node     partition.Node
	children []partition.Node
	searches int
	emitted  int
	done     bool
	failure  *Failure
	err      error
}

// Run traverses from the root until the tree is exhausted or ctx ends. Rows
// are sent on out, each id at most once per run. Run does not close out.
func (s *Scheduler) Run(ctx context.Context, out chan<- RowRef) (SearchReport, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var report SearchReport
	stack := []partition.Node{partition.Root(s.cfg.Dates)}
	results := make(chan visitResult)
	inFlight := 0

	for {
		for len(stack) > 0 && inFlight < s.cfg.MaxFanoutSearch && ctx.Err() == nil {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if st, ok := s.deps.Checkpoint.Node(n.Key()); ok && st.Completed() {
				children, emitted, err := s.resume(ctx, n, st, out)
				report.NodesResumed++
				report.RowsEmitted += emitted
				if err != nil {
					break
				}
				stack = push(stack, children)
				continue
			}

			inFlight++
			go func(n partition.Node) {
				results <- s.visit(ctx, n, out)
			}(n)
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		report.Searches += res.searches
		report.RowsEmitted += res.emitted
		if res.done {
			report.NodesSearched++
		}
		if res.failure != nil {
			report.Failures = append(report.Failures, *res.failure)
			if res.failure.Class == ClassFatal {
				report.FatalErrors++
			}
		}
		if res.err != nil {
			cancel(res.err)
			continue
		}
		stack = push(stack, res.children)
	}

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Key < report.Failures[j].Key })
	if ctx.Err() != nil {
		return report, fmt.Errorf("search stage: %w", context.Cause(ctx))
	}
	return report, nil
}

// resume replays a node the checkpoint already completed.
func (s *Scheduler) resume(
	ctx context.Context,
	n partition.Node,
	st checkpoint.NodeState,
	out chan<- RowRef,
) ([]partition.Node, int, error) {
	key := n.Key()
	s.deps.stamp(s.cfg.RunID, progress.Event{
		Stage:  progress.StageNodeResumed,
		Node:   key,
		Action: string(st.Outcome),
		Note:   string(st.Status),
	})
	if st.Status == checkpoint.NodeTerminalOverflow {
		return nil, 0, nil
	}
	switch st.Outcome {
	case checkpoint.OutcomeSubdivided:
		return s.part.Children(n), 0, nil
	case checkpoint.OutcomeAccepted:
		stored := s.deps.Checkpoint.RowsFor(key)
		rows := make([]RowRef, 0, len(stored))
		for _, r := range stored {
			rows = append(rows, RowRef{ID: r.ID, SourceNode: r.Source, Fields: r.Fields})
		}
		emitted, err := s.emit(ctx, rows, out)
		return nil, emitted, err
	default:
		return nil, 0, nil
	}
}

// visit searches one node and records its outcome.
func (s *Scheduler) visit(ctx context.Context, n partition.Node, out chan<- RowRef) visitResult {
	key := n.Key()
	res := visitResult{node: n}
	logger := s.logger.With(zap.String("node", key))

	if err := s.deps.Checkpoint.MarkNode(persistCtx(ctx), key, checkpoint.NodeInProgress); err != nil {
		res.err = &checkpointError{err: err}
		return res
	}

	start := s.deps.Clock.Now()
	var result SearchResult
	err := s.retry.do(ctx, "search "+key, func(callCtx context.Context) error {
		res.searches++
		r, err := s.deps.Client.Search(callCtx, n)
		if err != nil {
			return err
		}
		if err := s.checkResult(r); err != nil {
			return Transient("search "+key, err)
		}
		result = r
		return nil
	})
	if err != nil {
		return s.fail(ctx, res, err, logger)
	}
	s.breaker.success()

	action, err := s.part.Decide(n, result.Count)
	if err != nil {
		return s.fail(ctx, res, Transient("decide "+key, err), logger)
	}

	var (
		state checkpoint.NodeState
		rows  []RowRef
	)
	switch action {
	case partition.ActionAccept:
		rows, err = s.normalize(key, result.Rows)
		if err != nil {
			return s.fail(ctx, res, Transient("search "+key, err), logger)
		}
		state = checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeAccepted}
	case partition.ActionSubdivide:
		state = checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeSubdivided}
		res.children = s.part.Children(n)
	case partition.ActionDropEmpty:
		state = checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeEmpty}
	case partition.ActionOverflowTerminal:
		state = checkpoint.NodeState{Status: checkpoint.NodeTerminalOverflow}
		logger.Warn("result cap reached at maximum depth; recording gap", zap.Int("count", result.Count))
	}

	persisted := make([]checkpoint.Row, 0, len(rows))
	for _, r := range rows {
		persisted = append(persisted, checkpoint.Row{ID: r.ID, Source: key, Fields: r.Fields})
	}
	if err := s.deps.Checkpoint.CompleteNode(persistCtx(ctx), key, state, persisted); err != nil {
		res.children = nil
		res.err = &checkpointError{err: err}
		return res
	}
	res.done = true

	s.deps.stamp(s.cfg.RunID, progress.Event{
		Stage:  progress.StageNodeDone,
		Node:   key,
		Action: action.String(),
		Count:  result.Count,
		Rows:   len(rows),
		Dur:    s.deps.Clock.Now().Sub(start),
	})
	logger.Debug("node done", zap.Stringer("action", action), zap.Int("count", result.Count))

	emitted, err := s.emit(ctx, rows, out)
	res.emitted = emitted
	if err != nil {
		res.children = nil
	}
	return res
}

// fail returns the node to pending and attributes the failure. Cancellation
// is not a failure; the node is simply picked up again on resume.
func (s *Scheduler) fail(ctx context.Context, res visitResult, err error, logger *zap.Logger) visitResult {
	key := res.node.Key()
	if mErr := s.deps.Checkpoint.MarkNode(persistCtx(ctx), key, checkpoint.NodePending); mErr != nil {
		logger.Error("could not return node to pending", zap.Error(mErr))
	}
	class := Classify(err)
	if class == ClassCanceled || ctx.Err() != nil {
		return res
	}
	res.failure = &Failure{Key: key, Class: class, Err: err.Error()}
	if class == ClassFatal {
		s.breaker.fatal()
	}
	logger.Warn("node failed", zap.String("class", string(class)), zap.Error(err))
	s.deps.stamp(s.cfg.RunID, progress.Event{
		Stage:  progress.StageNodeFailed,
		Node:   key,
		Action: string(class),
		Note:   err.Error(),
	})
	return res
}

// checkResult rejects listings that cannot be trusted. An accepted listing
// must show every row the portal counted.
func (s *Scheduler) checkResult(r SearchResult) error {
	if r.Count < 0 {
		return fmt.Errorf("negative result count %d", r.Count)
	}
	if r.Count > 0 && r.Count < s.part.Cap() && len(r.Rows) < r.Count {
		return fmt.Errorf("listing shows %d of %d rows", len(r.Rows), r.Count)
	}
	return nil
}

// normalize stamps the source node and fills missing ids from the visible
// fields.
func (s *Scheduler) normalize(key string, rows []RowRef) ([]RowRef, error) {
	out := make([]RowRef, 0, len(rows))
	for _, r := range rows {
		r.SourceNode = key
		if r.ID == "" {
			id, err := DeriveRowID(s.deps.Hasher, r.Fields)
			if err != nil {
				return nil, err
			}
			r.ID = id
		}
		out = append(out, r)
	}
	return out, nil
}

// emit forwards rows not yet seen this run.
func (s *Scheduler) emit(ctx context.Context, rows []RowRef, out chan<- RowRef) (int, error) {
	emitted := 0
	for _, r := range rows {
		if !s.seen.Add(r.ID) {
			continue
		}
		select {
		case out <- r:
			emitted++
		case <-ctx.Done():
			return emitted, fmt.Errorf("emit row %s: %w", r.ID, ctx.Err())
		}
	}
	return emitted, nil
}

const derivedIDPrefix = "sha256:"

// DeriveRowID digests the visible fields of a row that has no profile link.
// Keys are sorted so the id does not depend on which search listed the row.
func DeriveRowID(h Hasher, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("row has neither an id nor visible fields")
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(fields[k]))
		b.WriteByte('\n')
	}
	digest, err := h.Hash([]byte(b.String()))
	if err != nil {
		return "", fmt.Errorf("hash row fields: %w", err)
	}
	return derivedIDPrefix + digest, nil
}

// IsDerivedRowID reports whether id was built by DeriveRowID, meaning the row
// has no profile page of its own.
func IsDerivedRowID(id string) bool {
	return strings.HasPrefix(id, derivedIDPrefix)
}

// push adds children so the first symbol is popped first.
func push(stack, children []partition.Node) []partition.Node {
	for i := len(children) - 1; i >= 0; i-- {
		stack = append(stack, children[i])
	}
	return stack
}
