// Package borrowgraph tracks which references borrow from which.
//
// Nodes are reference ids owned by the graph. Each node records the children
// borrowing from it, keyed by child id, and the set of parents it borrows
// from. Edges never form ownership cycles: the graph map owns every node and
// edges are plain ids.
//
// Operations that find the graph in an impossible shape (an unknown id, an id
// minted twice, a self edge) panic with InvariantError. They indicate a bug in
// the caller, not a problem with the program being analyzed.
package borrowgraph

import (
	"fmt"
	"sort"
	"strings"
)

// RefID identifies a reference node.
type RefID int

// InvariantError is the panic value of a broken graph invariant.
type InvariantError struct {
	Op  string
	Msg string
}

func (e InvariantError) Error() string {
	return "borrowgraph: " + e.Op + ": " + e.Msg
}

func invariant(op, format string, args ...any) {
	panic(InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

type ref[L Label[L]] struct {
	mutable     bool
	borrowedBy  map[RefID]*edgeSet[L]
	borrowsFrom map[RefID]struct{}
}

func newRefNode[L Label[L]](mutable bool) *ref[L] {
	return &ref[L]{
		mutable:     mutable,
		borrowedBy:  make(map[RefID]*edgeSet[L]),
		borrowsFrom: make(map[RefID]struct{}),
	}
}

// Graph is the borrow graph over labels L.
type Graph[L Label[L]] struct {
	refs map[RefID]*ref[L]
}

// New returns an empty graph.
func New[L Label[L]]() *Graph[L] {
	return &Graph[L]{refs: make(map[RefID]*ref[L])}
}

func (g *Graph[L]) node(op string, id RefID) *ref[L] {
	r, ok := g.refs[id]
	if !ok {
		invariant(op, "unknown reference %d", id)
	}
	return r
}

// NewRef adds a node for id. The id must not be in use.
func (g *Graph[L]) NewRef(id RefID, mutable bool) {
	if _, ok := g.refs[id]; ok {
		invariant("NewRef", "reference %d already exists", id)
	}
	g.refs[id] = newRefNode[L](mutable)
}

// Contains reports whether id is a live node.
func (g *Graph[L]) Contains(id RefID) bool {
	_, ok := g.refs[id]
	return ok
}

// IsMutable reports the mutability id was created with.
func (g *Graph[L]) IsMutable(id RefID) bool {
	return g.node("IsMutable", id).mutable
}

// Len returns the number of live nodes.
func (g *Graph[L]) Len() int { return len(g.refs) }

// Refs returns the live ids in ascending order.
func (g *Graph[L]) Refs() []RefID {
	out := make([]RefID, 0, len(g.refs))
	for id := range g.refs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddStrongBorrow records that child points exactly at parent.
func (g *Graph[L]) AddStrongBorrow(loc int, parent, child RefID) {
	g.addPath(loc, parent, true, nil, child)
}

// AddStrongFieldBorrow records that child points exactly at field of parent.
func (g *Graph[L]) AddStrongFieldBorrow(loc int, parent RefID, field L, child RefID) {
	g.addPath(loc, parent, true, []L{field}, child)
}

// AddWeakBorrow records that child points somewhere inside parent.
func (g *Graph[L]) AddWeakBorrow(loc int, parent, child RefID) {
	g.addPath(loc, parent, false, nil, child)
}

// AddWeakFieldBorrow records that child points somewhere inside field of parent.
func (g *Graph[L]) AddWeakFieldBorrow(loc int, parent RefID, field L, child RefID) {
	g.addPath(loc, parent, false, []L{field}, child)
}

func (g *Graph[L]) addPath(loc int, parent RefID, strong bool, path []L, child RefID) {
	if parent == child {
		invariant("addPath", "self borrow of %d", parent)
	}
	p := g.node("addPath", parent)
	c := g.node("addPath", child)
	set, ok := p.borrowedBy[child]
	if !ok {
		set = &edgeSet[L]{}
		p.borrowedBy[child] = set
	}
	set.insert(Edge[L]{Strong: strong, Path: path, Loc: loc})
	c.borrowsFrom[parent] = struct{}{}
}

// BorrowedBy splits the borrowers of id into full borrows (empty path) and
// field borrows keyed by the first path label. Values are the creating offsets.
func (g *Graph[L]) BorrowedBy(id RefID) (full map[RefID]int, fields map[L]map[RefID]int) {
	full = make(map[RefID]int)
	fields = make(map[L]map[RefID]int)
	for child, set := range g.node("BorrowedBy", id).borrowedBy {
		for _, e := range set.edges {
			if len(e.Path) == 0 {
				full[child] = e.Loc
				continue
			}
			m, ok := fields[e.Path[0]]
			if !ok {
				m = make(map[RefID]int)
				fields[e.Path[0]] = m
			}
			m[child] = e.Loc
		}
	}
	return full, fields
}

// InEdge is an edge seen from the child side.
type InEdge[L Label[L]] struct {
	Parent RefID
	Edge   Edge[L]
}

// InEdges lists every edge into child, sorted by parent then edge.
func (g *Graph[L]) InEdges(child RefID) []InEdge[L] {
	c := g.node("InEdges", child)
	parents := make([]RefID, 0, len(c.borrowsFrom))
	for p := range c.borrowsFrom {
		parents = append(parents, p)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	var out []InEdge[L]
	for _, p := range parents {
		for _, e := range g.node("InEdges", p).borrowedBy[child].sorted() {
			out = append(out, InEdge[L]{Parent: p, Edge: e})
		}
	}
	return out
}

// Release removes id, splicing every parent edge to every child edge so that
// the children keep borrowing from the parents. It returns the number of
// edges spliced.
func (g *Graph[L]) Release(id RefID) int {
	r := g.node("Release", id)
	delete(g.refs, id)
	spliced := 0
	for parent := range r.borrowsFrom {
		p := g.node("Release", parent)
		parentEdges, ok := p.borrowedBy[id]
		if !ok {
			invariant("Release", "%d lists parent %d without a matching edge", id, parent)
		}
		delete(p.borrowedBy, id)
		for _, pe := range parentEdges.edges {
			for child, childEdges := range r.borrowedBy {
				if child == parent {
					continue
				}
				for _, ce := range childEdges.edges {
					path := pe.Path
					if ce.Strong {
						path = appendPath(pe.Path, ce.Path)
					}
					g.addPath(ce.Loc, parent, pe.Strong && ce.Strong, path, child)
					spliced++
				}
			}
		}
	}
	for child := range r.borrowedBy {
		delete(g.node("Release", child).borrowsFrom, id)
	}
	return spliced
}

// Leq reports whether g is at least as permissive as other: every edge of
// other is covered by some edge of g between the same pair.
func (g *Graph[L]) Leq(other *Graph[L]) bool {
	return len(g.unmatched(other)) == 0
}

type unmatchedEdge[L Label[L]] struct {
	parent, child RefID
	edge          Edge[L]
}

func (g *Graph[L]) unmatched(other *Graph[L]) []unmatchedEdge[L] {
	var out []unmatchedEdge[L]
	for _, parent := range other.Refs() {
		otherRef := other.refs[parent]
		selfRef := g.node("unmatched", parent)
		for child, otherEdges := range otherRef.borrowedBy {
			for _, oe := range otherEdges.edges {
				found := false
				if selfEdges, ok := selfRef.borrowedBy[child]; ok {
					for _, se := range selfEdges.edges {
						if se.Leq(oe) {
							found = true
							break
						}
					}
				}
				if !found {
					out = append(out, unmatchedEdge[L]{parent: parent, child: child, edge: oe})
				}
			}
		}
	}
	return out
}

// Join returns the least graph that is at least as permissive as both g and
// other. Both graphs must hold the same ids.
func (g *Graph[L]) Join(other *Graph[L]) *Graph[L] {
	joined := g.Clone()
	for _, u := range g.unmatched(other) {
		joined.addPath(u.edge.Loc, u.parent, u.edge.Strong, append([]L(nil), u.edge.Path...), u.child)
	}
	joined.CheckInvariant()
	return joined
}

// RemapRefs renames ids according to m; ids missing from m keep their value.
// The renaming must not merge two live ids.
func (g *Graph[L]) RemapRefs(m map[RefID]RefID) {
	rename := func(id RefID) RefID {
		if to, ok := m[id]; ok {
			return to
		}
		return id
	}
	refs := make(map[RefID]*ref[L], len(g.refs))
	for id, r := range g.refs {
		nr := newRefNode[L](r.mutable)
		for child, set := range r.borrowedBy {
			nr.borrowedBy[rename(child)] = set
		}
		for parent := range r.borrowsFrom {
			nr.borrowsFrom[rename(parent)] = struct{}{}
		}
		to := rename(id)
		if _, dup := refs[to]; dup {
			invariant("RemapRefs", "two references renamed to %d", to)
		}
		refs[to] = nr
	}
	g.refs = refs
}

// Clone returns a deep copy.
func (g *Graph[L]) Clone() *Graph[L] {
	out := &Graph[L]{refs: make(map[RefID]*ref[L], len(g.refs))}
	for id, r := range g.refs {
		nr := newRefNode[L](r.mutable)
		for child, set := range r.borrowedBy {
			nr.borrowedBy[child] = set.clone()
		}
		for parent := range r.borrowsFrom {
			nr.borrowsFrom[parent] = struct{}{}
		}
		out.refs[id] = nr
	}
	return out
}

// Equal compares node sets, mutability and edges, ignoring edge offsets.
func (g *Graph[L]) Equal(other *Graph[L]) bool {
	if len(g.refs) != len(other.refs) {
		return false
	}
	for id, r := range g.refs {
		o, ok := other.refs[id]
		if !ok || o.mutable != r.mutable || len(o.borrowedBy) != len(r.borrowedBy) {
			return false
		}
		for child, set := range r.borrowedBy {
			oset, ok := o.borrowedBy[child]
			if !ok || !set.equal(oset) {
				return false
			}
		}
	}
	return true
}

// CheckInvariant panics if the parent and child views of an edge disagree.
func (g *Graph[L]) CheckInvariant() {
	for id, r := range g.refs {
		for child, set := range r.borrowedBy {
			if child == id {
				invariant("CheckInvariant", "self edge on %d", id)
			}
			if len(set.edges) == 0 {
				invariant("CheckInvariant", "empty edge set %d -> %d", id, child)
			}
			c := g.node("CheckInvariant", child)
			if _, ok := c.borrowsFrom[id]; !ok {
				invariant("CheckInvariant", "%d borrowed by %d but not listed as its parent", id, child)
			}
		}
		for parent := range r.borrowsFrom {
			p := g.node("CheckInvariant", parent)
			if _, ok := p.borrowedBy[id]; !ok {
				invariant("CheckInvariant", "%d borrows from %d without an edge", id, parent)
			}
		}
	}
}

// String renders one line per node: "id mut|imm <- child: [edges]; ...".
func (g *Graph[L]) String() string {
	var sb strings.Builder
	for _, id := range g.Refs() {
		r := g.refs[id]
		kind := "imm"
		if r.mutable {
			kind = "mut"
		}
		fmt.Fprintf(&sb, "%d %s", id, kind)
		children := make([]RefID, 0, len(r.borrowedBy))
		for c := range r.borrowedBy {
			children = append(children, c)
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for i, c := range children {
			if i == 0 {
				sb.WriteString(" <-")
			} else {
				sb.WriteByte(';')
			}
			fmt.Fprintf(&sb, " %d: [", c)
			for j, e := range r.borrowedBy[c].sorted() {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(e.String())
			}
			sb.WriteByte(']')
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
