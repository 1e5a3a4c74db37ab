package refsafety

import (
	"fmt"
	"strings"

	"refsafe/internal/absint"
	"refsafe/internal/borrowgraph"
	"refsafe/internal/bytecode"
)

var _ absint.Domain[*AbstractState] = (*AbstractState)(nil)

// Clone returns a deep copy of s.
func (s *AbstractState) Clone() *AbstractState {
	locals := make(map[bytecode.LocalIndex]AbstractValue, len(s.locals))
	for l, v := range s.locals {
		locals[l] = v
	}
	return &AbstractState{
		function:  s.function,
		locals:    locals,
		graph:     s.graph.Clone(),
		numLocals: s.numLocals,
		nextID:    s.nextID,
	}
}

func (s *AbstractState) isCanonical() bool {
	if s.nextID != RefID(s.numLocals+1) {
		return false
	}
	for l, v := range s.locals {
		if id, ok := v.RefID(); ok && id != RefID(l) {
			return false
		}
	}
	return true
}

// Canonical renumbers references so that the one stored in local i has id i
// and fresh ids start again right above the frame root. Two states that
// differ only by id choice have equal canonical forms.
func (s *AbstractState) Canonical() *AbstractState {
	remap := map[RefID]RefID{s.frameRoot(): s.frameRoot()}
	locals := make(map[bytecode.LocalIndex]AbstractValue, len(s.locals))
	for l, v := range s.locals {
		if id, ok := v.RefID(); ok {
			remap[id] = RefID(l)
			locals[l] = Reference(RefID(l), v.mutable)
			continue
		}
		locals[l] = v
	}
	graph := s.graph.Clone()
	graph.RemapRefs(remap)
	out := &AbstractState{
		function:  s.function,
		locals:    locals,
		graph:     graph,
		numLocals: s.numLocals,
		nextID:    RefID(s.numLocals + 1),
	}
	assertf(out.isCanonical(), "canonical form is not canonical")
	return out
}

// joinStates computes the join of two canonical states. A local that is
// unavailable in one state is unavailable in the result. Type-checked code
// never holds a reference in one state and a plain value in the other, so
// that case is an assertion failure.
func joinStates(a, b *AbstractState) *AbstractState {
	assertf(a.function == b.function, "join of states from different functions")
	assertf(a.isCanonical() && b.isCanonical(), "join of non-canonical states")
	assertf(a.numLocals == b.numLocals, "join of states with different frames")

	ag, bg := a.graph.Clone(), b.graph.Clone()
	locals := make(map[bytecode.LocalIndex]AbstractValue, a.numLocals)
	release := func(g *borrowgraph.Graph[Label], v AbstractValue) {
		if id, ok := v.RefID(); ok {
			g.Release(id)
		}
	}
	for i := 0; i < a.numLocals; i++ {
		l := localAt(i)
		va, okA := a.locals[l]
		vb, okB := b.locals[l]
		switch {
		case !okA && !okB:
		case okA && !okB:
			release(ag, va)
		case !okA && okB:
			release(bg, vb)
		default:
			assertf(va == vb, "local %d joins %s with %s", l, va, vb)
			locals[l] = va
		}
	}
	return &AbstractState{
		function:  a.function,
		locals:    locals,
		graph:     ag.Join(bg),
		numLocals: a.numLocals,
		nextID:    a.nextID,
	}
}

// Join merges other into s and reports whether s changed.
func (s *AbstractState) Join(other *AbstractState) (absint.JoinResult, error) {
	joined := joinStates(s, other)
	localsUnchanged := true
	for l, v := range s.locals {
		if jv, ok := joined.locals[l]; !ok || jv != v {
			localsUnchanged = false
			break
		}
	}
	if localsUnchanged && s.graph.Leq(joined.graph) {
		return absint.Unchanged, nil
	}
	*s = *joined
	return absint.Changed, nil
}

// Equal compares locals and borrow graphs.
func (s *AbstractState) Equal(o *AbstractState) bool {
	if s.function != o.function || s.numLocals != o.numLocals || s.nextID != o.nextID || len(s.locals) != len(o.locals) {
		return false
	}
	for l, v := range s.locals {
		if ov, ok := o.locals[l]; !ok || ov != v {
			return false
		}
	}
	return s.graph.Equal(o.graph)
}

// String renders the locals followed by the borrow graph, e.g.
//
//	locals: 0=value 1=&mut#1 2=-
//	  3 mut <- 1: [strong local(0)@0]
func (s *AbstractState) String() string {
	var sb strings.Builder
	sb.WriteString("locals:")
	for i := 0; i < s.numLocals; i++ {
		v, ok := s.locals[localAt(i)]
		if !ok {
			fmt.Fprintf(&sb, " %d=-", i)
			continue
		}
		fmt.Fprintf(&sb, " %d=%s", i, v)
	}
	sb.WriteByte('\n')
	for _, line := range strings.Split(strings.TrimRight(s.graph.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
