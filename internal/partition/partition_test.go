package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testDates = DateRange{From: "01/01/1900", To: "12/31/2026"}

func TestNodeDepthAndKey(t *testing.T) {
	t.Parallel()

	root := Root(testDates)
	require.Equal(t, 0, root.Depth())
	require.True(t, root.IsRoot())
	require.Equal(t, "||", root.Key())

	a := root.With(FieldFirst, "A")
	ab := a.With(FieldLast, "B")
	abc := ab.With(FieldMiddle, "C")
	require.Equal(t, 1, a.Depth())
	require.Equal(t, 2, ab.Depth())
	require.Equal(t, 3, abc.Depth())
	require.Equal(t, "A|B|C", abc.Key())
	require.Equal(t, ab, abc.Parent())
	require.Equal(t, root, a.Parent())
	require.Equal(t, root, root.Parent())

	_, ok := abc.NextField()
	require.False(t, ok)
	f, ok := a.NextField()
	require.True(t, ok)
	require.Equal(t, FieldLast, f)
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	n, err := ParseKey("A|B|", testDates)
	require.NoError(t, err)
	require.Equal(t, Node{First: "A", Last: "B", Dates: testDates}, n)

	_, err = ParseKey("A|B", testDates)
	require.Error(t, err)
	_, err = ParseKey("|B|", testDates)
	require.Error(t, err)
}

func TestAlphabetDefaults(t *testing.T) {
	t.Parallel()

	a := DefaultAlphabet()
	syms := a.SymbolsFor(FieldFirst, "")
	require.Len(t, syms, 26)
	require.Equal(t, "A", syms[0])
	require.Equal(t, "Z", syms[25])

	// callers must not be able to mutate the alphabet
	syms[0] = "mutated"
	require.Equal(t, "A", a.SymbolsFor(FieldFirst, "")[0])
}

func TestAlphabetChunksDigitsAndExtra(t *testing.T) {
	t.Parallel()

	a, err := NewAlphabet(AlphabetConfig{ChunkSize: 2})
	require.NoError(t, err)
	syms := a.SymbolsFor(FieldLast, "")
	require.Len(t, syms, 26*26)
	require.Equal(t, "AA", syms[0])
	require.Equal(t, "AB", syms[1])
	require.Equal(t, "ZZ", syms[len(syms)-1])

	b, err := NewAlphabet(AlphabetConfig{Digits: true, Extra: []string{"é", "a", " ", "x|y"}})
	require.NoError(t, err)
	require.Equal(t, 26+10+1, b.Len())
	require.Equal(t, "É", b.SymbolsFor(FieldFirst, "")[36])

	_, err = NewAlphabet(AlphabetConfig{ChunkSize: 4})
	require.Error(t, err)
}

func TestAlphabetIsDeterministic(t *testing.T) {
	t.Parallel()

	a1, err := NewAlphabet(AlphabetConfig{ChunkSize: 2, Digits: true})
	require.NoError(t, err)
	a2, err := NewAlphabet(AlphabetConfig{ChunkSize: 2, Digits: true})
	require.NoError(t, err)
	require.Equal(t, a1.SymbolsFor(FieldFirst, ""), a2.SymbolsFor(FieldFirst, ""))
}

func TestPartitionerDecide(t *testing.T) {
	t.Parallel()

	p, err := NewPartitioner(30, DefaultAlphabet())
	require.NoError(t, err)

	root := Root(testDates)
	leaf := Node{First: "A", Last: "B", Middle: "C", Dates: testDates}

	tests := []struct {
		name  string
		node  Node
		count int
		want  Action
	}{
		{name: "empty root", node: root, count: 0, want: ActionDropEmpty},
		{name: "under cap", node: root, count: 12, want: ActionAccept},
		{name: "one below cap", node: root, count: 29, want: ActionAccept},
		{name: "at cap shallow", node: root, count: 30, want: ActionSubdivide},
		{name: "over cap shallow", node: root, count: 45, want: ActionSubdivide},
		{name: "under cap leaf", node: leaf, count: 7, want: ActionAccept},
		{name: "at cap leaf", node: leaf, count: 30, want: ActionOverflowTerminal},
		{name: "over cap leaf", node: leaf, count: 300, want: ActionOverflowTerminal},
		{name: "empty leaf", node: leaf, count: 0, want: ActionDropEmpty},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.Decide(tc.node, tc.count)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err = p.Decide(root, -1)
	require.Error(t, err)
}

func TestPartitionerNeverAcceptsAtCapBelowMaxDepth(t *testing.T) {
	t.Parallel()

	p, err := NewPartitioner(30, DefaultAlphabet())
	require.NoError(t, err)
	nodes := []Node{
		Root(testDates),
		{First: "Q", Dates: testDates},
		{First: "Q", Last: "Z", Dates: testDates},
	}
	for _, n := range nodes {
		for count := 30; count <= 90; count++ {
			got, err := p.Decide(n, count)
			require.NoError(t, err)
			require.NotEqual(t, ActionAccept, got, "node %s count %d", n.Key(), count)
		}
	}
}

func TestPartitionerChildren(t *testing.T) {
	t.Parallel()

	p, err := NewPartitioner(30, DefaultAlphabet())
	require.NoError(t, err)

	root := Root(testDates)
	children := p.Children(root)
	require.Len(t, children, 26)
	require.Equal(t, Node{First: "A", Dates: testDates}, children[0])
	require.Equal(t, Node{First: "Q", Dates: testDates}, children[16])

	grand := p.Children(children[0])
	require.Len(t, grand, 26)
	require.Equal(t, "A|Z|", grand[25].Key())
	for _, g := range grand {
		require.Equal(t, testDates, g.Dates)
	}

	require.Empty(t, p.Children(Node{First: "A", Last: "B", Middle: "C"}))

	_, err = NewPartitioner(0, DefaultAlphabet())
	require.Error(t, err)
}
