package borrowgraph

import (
	"sort"
	"strconv"
	"strings"
)

// MaxEdgeSetSize bounds the number of distinct edges kept between one parent
// and one child. Past it the set collapses into a single weak full borrow.
const MaxEdgeSetSize = 10

// Label is a path component of a borrow edge. Labels must be comparable,
// totally ordered and printable.
type Label[L any] interface {
	comparable
	Compare(other L) int
	String() string
}

// Edge is one "borrowed by" relation from a parent reference to a child.
//
// A strong edge means the child points exactly at Path inside the parent; a
// weak edge means the child points somewhere at or below Path. An empty path
// is a full borrow. Loc is the code offset that created the edge and does
// not take part in comparisons.
type Edge[L Label[L]] struct {
	Strong bool
	Path   []L
	Loc    int
}

// Equal compares strength and path.
func (e Edge[L]) Equal(o Edge[L]) bool {
	return e.Strong == o.Strong && pathEqual(e.Path, o.Path)
}

// Leq reports whether e is at least as permissive as o: either equal, or
// weak with a path that is a prefix of o's.
func (e Edge[L]) Leq(o Edge[L]) bool {
	return e.Equal(o) || (!e.Strong && pathPrefix(e.Path, o.Path))
}

func (e Edge[L]) compare(o Edge[L]) int {
	if e.Strong != o.Strong {
		if e.Strong {
			return 1
		}
		return -1
	}
	return pathCompare(e.Path, o.Path)
}

func (e Edge[L]) String() string {
	var sb strings.Builder
	if e.Strong {
		sb.WriteString("strong")
	} else {
		sb.WriteString("weak")
	}
	sb.WriteByte(' ')
	if len(e.Path) == 0 {
		sb.WriteString("_")
	}
	for i, l := range e.Path {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(l.String())
	}
	sb.WriteString(" @")
	sb.WriteString(strconv.Itoa(e.Loc))
	return sb.String()
}

func pathEqual[L Label[L]](a, b []L) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pathPrefix[L Label[L]](prefix, path []L) bool {
	return len(prefix) <= len(path) && pathEqual(prefix, path[:len(prefix)])
}

func pathCompare[L Label[L]](a, b []L) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func appendPath[L Label[L]](a, b []L) []L {
	out := make([]L, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// edgeSet holds the distinct edges between one parent and one child.
type edgeSet[L Label[L]] struct {
	edges     []Edge[L]
	overflown bool
}

func (s *edgeSet[L]) insert(e Edge[L]) {
	if s.overflown {
		return
	}
	for _, cur := range s.edges {
		if cur.Equal(e) {
			return
		}
	}
	s.edges = append(s.edges, e)
	if len(s.edges) > MaxEdgeSetSize {
		loc := s.sorted()[0].Loc
		s.edges = []Edge[L]{{Strong: false, Loc: loc}}
		s.overflown = true
	}
}

func (s *edgeSet[L]) sorted() []Edge[L] {
	out := append([]Edge[L](nil), s.edges...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].compare(out[j]) < 0 })
	return out
}

func (s *edgeSet[L]) clone() *edgeSet[L] {
	out := &edgeSet[L]{overflown: s.overflown, edges: make([]Edge[L], len(s.edges))}
	for i, e := range s.edges {
		out.edges[i] = Edge[L]{Strong: e.Strong, Path: append([]L(nil), e.Path...), Loc: e.Loc}
	}
	return out
}

func (s *edgeSet[L]) contains(e Edge[L]) bool {
	for _, cur := range s.edges {
		if cur.Equal(e) {
			return true
		}
	}
	return false
}

func (s *edgeSet[L]) equal(o *edgeSet[L]) bool {
	if len(s.edges) != len(o.edges) {
		return false
	}
	for _, e := range s.edges {
		if !o.contains(e) {
			return false
		}
	}
	return true
}
