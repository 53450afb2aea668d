// Package partition models the name-prefix search space: query nodes, the
// alphabet used to narrow them, and the cap-driven partitioning decision.
package partition

import (
	"fmt"
	"strings"
)

// Field identifies one narrowing dimension of a query.
type Field int

// Narrowing dimensions in the order they are fixed.
const (
	FieldFirst Field = iota
	FieldLast
	FieldMiddle
)

// MaxDepth is the depth of a node whose three name fields are all fixed.
const MaxDepth = 3

// String returns the lowercase field name.
func (f Field) String() string {
	switch f {
	case FieldFirst:
		return "first"
	case FieldLast:
		return "last"
	case FieldMiddle:
		return "middle"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// DateRange is the fixed filing-date window attached to every query.
type DateRange struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// Node is one point in the partition tree. An empty name field is a wildcard.
// Nodes are plain values and are never mutated after construction.
type Node struct {
	First  string
	Last   string
	Middle string
	Dates  DateRange
}

// Root returns the all-wildcard node for the given date range.
func Root(dates DateRange) Node {
	return Node{Dates: dates}
}

// Depth reports how many name fields are fixed.
func (n Node) Depth() int {
	switch {
	case n.Middle != "":
		return 3
	case n.Last != "":
		return 2
	case n.First != "":
		return 1
	default:
		return 0
	}
}

// Key is the node identity used for checkpointing: first|last|middle.
func (n Node) Key() string {
	return n.First + "|" + n.Last + "|" + n.Middle
}

// String implements fmt.Stringer.
func (n Node) String() string {
	return n.Key()
}

// IsRoot reports whether every name field is a wildcard.
func (n Node) IsRoot() bool {
	return n.Depth() == 0
}

// Parent returns the node with the deepest fixed field cleared. The root is
// its own parent.
func (n Node) Parent() Node {
	p := n
	switch n.Depth() {
	case 3:
		p.Middle = ""
	case 2:
		p.Last = ""
	case 1:
		p.First = ""
	}
	return p
}

// NextField returns the next wildcard field, or false at max depth.
func (n Node) NextField() (Field, bool) {
	d := n.Depth()
	if d >= MaxDepth {
		return 0, false
	}
	return Field(d), true
}

// Prefix returns the concrete prefix of f (empty when f is a wildcard).
func (n Node) Prefix(f Field) string {
	switch f {
	case FieldFirst:
		return n.First
	case FieldLast:
		return n.Last
	case FieldMiddle:
		return n.Middle
	default:
		return ""
	}
}

// With returns a copy of n with field f set to prefix.
func (n Node) With(f Field, prefix string) Node {
	c := n
	switch f {
	case FieldFirst:
		c.First = prefix
	case FieldLast:
		c.Last = prefix
	case FieldMiddle:
		c.Middle = prefix
	}
	return c
}

// Valid reports whether the fixed fields form a contiguous first→last→middle
// prefix, i.e. no wildcard precedes a concrete field.
func (n Node) Valid() bool {
	if n.First == "" && (n.Last != "" || n.Middle != "") {
		return false
	}
	if n.Last == "" && n.Middle != "" {
		return false
	}
	return true
}

// ParseKey rebuilds a node from its checkpoint key and date range.
func ParseKey(key string, dates DateRange) (Node, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return Node{}, fmt.Errorf("invalid node key %q: want 3 fields", key)
	}
	n := Node{First: parts[0], Last: parts[1], Middle: parts[2], Dates: dates}
	if !n.Valid() {
		return Node{}, fmt.Errorf("invalid node key %q: wildcard before concrete field", key)
	}
	return n, nil
}
