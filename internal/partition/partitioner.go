package partition

import "fmt"

// DefaultResultCap is the number of rows the portal lists per search.
const DefaultResultCap = 30

// Action is the partitioning decision for an observed result count.
type Action int

// Partitioning decisions.
const (
	ActionAccept Action = iota + 1
	ActionSubdivide
	ActionDropEmpty
	ActionOverflowTerminal
)

// String returns a stable label, also used as a metric label value.
func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionSubdivide:
		return "subdivide"
	case ActionDropEmpty:
		return "drop_empty"
	case ActionOverflowTerminal:
		return "overflow_terminal"
	default:
		return "unknown"
	}
}

// Partitioner decides how to treat a node given its observed result count.
type Partitioner struct {
	cap      int
	alphabet Alphabet
}

// NewPartitioner builds a Partitioner for the given result cap.
func NewPartitioner(resultCap int, alphabet Alphabet) (*Partitioner, error) {
	if resultCap <= 0 {
		return nil, fmt.Errorf("result cap must be > 0, got %d", resultCap)
	}
	if alphabet.Len() == 0 {
		return nil, fmt.Errorf("alphabet must not be empty")
	}
	return &Partitioner{cap: resultCap, alphabet: alphabet}, nil
}

// Cap returns the configured result cap.
func (p *Partitioner) Cap() int {
	return p.cap
}

// Decide maps an observed count to an Action. A count equal to the cap may be
// a truncated page, so it is only accepted when nothing is left to narrow, and
// even then it is reported as a terminal overflow instead.
func (p *Partitioner) Decide(n Node, count int) (Action, error) {
	switch {
	case count < 0:
		return 0, fmt.Errorf("node %s: negative result count %d", n.Key(), count)
	case count == 0:
		return ActionDropEmpty, nil
	case count < p.cap:
		return ActionAccept, nil
	case n.Depth() < MaxDepth:
		return ActionSubdivide, nil
	default:
		return ActionOverflowTerminal, nil
	}
}

// Children expands n along its next wildcard field, one child per symbol.
// Nodes at max depth have no children.
func (p *Partitioner) Children(n Node) []Node {
	field, ok := n.NextField()
	if !ok {
		return nil
	}
	symbols := p.alphabet.SymbolsFor(field, n.Prefix(field))
	children := make([]Node, 0, len(symbols))
	for _, s := range symbols {
		children = append(children, n.With(field, s))
	}
	return children
}
