package borrowgraph_test

import (
	"strings"
	"testing"

	"refsafe/internal/borrowgraph"
)

type lbl string

func (l lbl) Compare(o lbl) int { return strings.Compare(string(l), string(o)) }
func (l lbl) String() string    { return string(l) }

type graph = borrowgraph.Graph[lbl]

func newGraph(ids ...borrowgraph.RefID) *graph {
	g := borrowgraph.New[lbl]()
	for _, id := range ids {
		g.NewRef(id, true)
	}
	return g
}

func TestBorrowedBySplitsFullAndField(t *testing.T) {
	g := newGraph(0, 1, 2, 3)
	g.AddStrongBorrow(1, 0, 1)
	g.AddStrongFieldBorrow(2, 0, "f", 2)
	g.AddWeakFieldBorrow(3, 0, "g", 3)

	full, fields := g.BorrowedBy(0)
	if len(full) != 1 || full[1] != 1 {
		t.Fatalf("full borrows = %v", full)
	}
	if len(fields["f"]) != 1 || fields["f"][2] != 2 {
		t.Fatalf("field f borrows = %v", fields["f"])
	}
	if len(fields["g"]) != 1 || fields["g"][3] != 3 {
		t.Fatalf("field g borrows = %v", fields["g"])
	}
}

func TestReleaseSplicesPaths(t *testing.T) {
	// 0 -f-> 1 (strong), 1 -g-> 2 (strong); releasing 1 gives 0 -f.g-> 2
	g := newGraph(0, 1, 2)
	g.AddStrongFieldBorrow(1, 0, "f", 1)
	g.AddStrongFieldBorrow(2, 1, "g", 2)
	g.Release(1)

	if g.Contains(1) {
		t.Fatal("released node still present")
	}
	in := g.InEdges(2)
	if len(in) != 1 || in[0].Parent != 0 {
		t.Fatalf("in edges of 2 = %+v", in)
	}
	e := in[0].Edge
	if !e.Strong || len(e.Path) != 2 || e.Path[0] != "f" || e.Path[1] != "g" || e.Loc != 2 {
		t.Fatalf("spliced edge = %v", e)
	}
	g.CheckInvariant()
}

func TestReleaseThroughWeakEdgeKeepsParentPath(t *testing.T) {
	g := newGraph(0, 1, 2)
	g.AddStrongFieldBorrow(1, 0, "f", 1)
	g.AddWeakFieldBorrow(2, 1, "g", 2)
	g.Release(1)

	e := g.InEdges(2)[0].Edge
	if e.Strong || len(e.Path) != 1 || e.Path[0] != "f" {
		t.Fatalf("weak splice = %v, want weak f", e)
	}
}

func TestReleaseLeafRemovesEdges(t *testing.T) {
	g := newGraph(0, 1)
	g.AddStrongBorrow(0, 0, 1)
	g.Release(1)
	full, fields := g.BorrowedBy(0)
	if len(full) != 0 || len(fields) != 0 {
		t.Fatalf("edges survived release: %v %v", full, fields)
	}
}

func TestEdgeSetSaturates(t *testing.T) {
	g := newGraph(0, 1)
	for i := 0; i <= borrowgraph.MaxEdgeSetSize; i++ {
		g.AddStrongFieldBorrow(i, 0, lbl(rune('a'+i)), 1)
	}
	in := g.InEdges(1)
	if len(in) != 1 || in[0].Edge.Strong || len(in[0].Edge.Path) != 0 {
		t.Fatalf("saturated set = %+v, want a single weak full borrow", in)
	}
	g.AddStrongFieldBorrow(99, 0, "z", 1)
	if len(g.InEdges(1)) != 1 {
		t.Fatal("saturated set accepted a new edge")
	}
}

func TestLeqAndJoin(t *testing.T) {
	a := newGraph(0, 1)
	a.AddStrongFieldBorrow(0, 0, "f", 1)
	b := newGraph(0, 1)
	b.AddStrongFieldBorrow(5, 0, "g", 1)

	if a.Leq(b) || b.Leq(a) {
		t.Fatal("disjoint edges must not be ordered")
	}
	j := a.Join(b)
	if !j.Leq(a) || !j.Leq(b) {
		t.Fatalf("join is not an upper bound:\n%s", j)
	}
	if again := j.Join(j); !again.Equal(j) {
		t.Fatalf("join is not idempotent:\n%s\nvs\n%s", again, j)
	}

	weak := newGraph(0, 1)
	weak.AddWeakBorrow(0, 0, 1)
	if !weak.Leq(a) || a.Leq(weak) {
		t.Fatal("weak full borrow should cover strong field borrow and not the reverse")
	}
}

func TestRemapRefs(t *testing.T) {
	g := newGraph(3, 7)
	g.AddStrongBorrow(0, 7, 3)
	g.RemapRefs(map[borrowgraph.RefID]borrowgraph.RefID{3: 7, 7: 3})
	in := g.InEdges(7)
	if len(in) != 1 || in[0].Parent != 3 {
		t.Fatalf("remap lost edge: %s", g)
	}
	g.CheckInvariant()
}

func TestInvariantPanics(t *testing.T) {
	defer func() {
		r := recover()
		if _, ok := r.(borrowgraph.InvariantError); !ok {
			t.Fatalf("recovered %v, want InvariantError", r)
		}
	}()
	g := newGraph(0)
	g.AddStrongBorrow(0, 0, 0)
}

func TestCloneIsIndependent(t *testing.T) {
	g := newGraph(0, 1)
	c := g.Clone()
	c.AddStrongBorrow(0, 0, 1)
	if g.Equal(c) {
		t.Fatal("mutating clone changed original")
	}
}
