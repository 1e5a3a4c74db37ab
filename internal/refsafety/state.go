package refsafety

import (
	"fmt"
	"sort"

	"fortio.org/safecast"

	"refsafe/internal/borrowgraph"
	"refsafe/internal/bytecode"
	"refsafe/internal/status"
)

// assertion is the panic value of an internal consistency check. Verify
// turns it into a VerifierInternalError.
type assertion struct {
	offset int
	msg    string
}

// localAt narrows a frame slot number; NewFunctionView caps frames at 255
// slots, so failure is a verifier bug.
func localAt(i int) bytecode.LocalIndex {
	l, err := safecast.Conv[uint8](i)
	assertf(err == nil, "local %d exceeds the frame: %v", i, err)
	return bytecode.LocalIndex(l)
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(assertion{offset: status.NoOffset, msg: fmt.Sprintf(format, args...)})
	}
}

// AbstractState is the analysis state at one program point.
//
// Ids [0, numLocals) are reserved for the canonical form, where the reference
// stored in local i has id i. Id numLocals is the frame root: every borrow of
// a local or a global hangs off it. Fresh ids start above it.
type AbstractState struct {
	function  bytecode.FunctionDefinitionIndex
	locals    map[bytecode.LocalIndex]AbstractValue
	graph     *borrowgraph.Graph[Label]
	numLocals int
	nextID    RefID
}

// NewAbstractState builds the entry state of view. Reference parameters get
// the id of their slot and borrow from nothing: their referents outlive the
// call.
func NewAbstractState(view *bytecode.FunctionView) *AbstractState {
	numLocals := view.NumLocals()
	s := &AbstractState{
		function:  view.Index,
		locals:    make(map[bytecode.LocalIndex]AbstractValue, numLocals),
		graph:     borrowgraph.New[Label](),
		numLocals: numLocals,
		nextID:    RefID(numLocals + 1),
	}
	for i, param := range view.Parameters {
		local := localAt(i)
		if param.IsReference() {
			id := RefID(i)
			s.graph.NewRef(id, param.IsMutableReference())
			s.locals[local] = Reference(id, param.IsMutableReference())
			continue
		}
		s.locals[local] = NonReference
	}
	s.graph.NewRef(s.frameRoot(), true)
	assertf(s.isCanonical(), "entry state is not canonical")
	return s
}

// Function returns the definition the state belongs to.
func (s *AbstractState) Function() bytecode.FunctionDefinitionIndex { return s.function }

// NumLocals returns the number of local slots.
func (s *AbstractState) NumLocals() int { return s.numLocals }

// Local returns the value held in slot l, if any.
func (s *AbstractState) Local(l bytecode.LocalIndex) (AbstractValue, bool) {
	v, ok := s.locals[l]
	return v, ok
}

// Graph exposes the borrow graph for inspection.
func (s *AbstractState) Graph() *borrowgraph.Graph[Label] { return s.graph }

func (s *AbstractState) frameRoot() RefID { return RefID(s.numLocals) }

func (s *AbstractState) newRef(mutable bool) RefID {
	id := s.nextID
	s.nextID++
	s.graph.NewRef(id, mutable)
	return id
}

func (s *AbstractState) fail(code status.Code, offset bytecode.CodeOffset, format string, args ...any) *status.Error {
	return status.Newf(code, format, args...).AtCodeOffset(int(s.function), int(offset))
}

//
// Borrow queries
//

// borrowSites returns the creating offsets of the borrows of id that are
// consistent with label: full borrows, plus field borrows of label (of any
// field when label is nil). mutOnly keeps mutable borrowers only.
func (s *AbstractState) borrowSites(id RefID, label *Label, mutOnly bool) []int {
	full, fields := s.graph.BorrowedBy(id)
	var sites []int
	collect := func(m map[RefID]int) {
		for child, loc := range m {
			if mutOnly && !s.graph.IsMutable(child) {
				continue
			}
			sites = append(sites, loc)
		}
	}
	collect(full)
	if label == nil {
		for _, m := range fields {
			collect(m)
		}
	} else if m, ok := fields[*label]; ok {
		collect(m)
	}
	sort.Ints(sites)
	return sites
}

func (s *AbstractState) hasConsistentBorrows(id RefID, label *Label) bool {
	return len(s.borrowSites(id, label, false)) > 0
}

func (s *AbstractState) hasConsistentMutableBorrows(id RefID, label *Label) bool {
	return len(s.borrowSites(id, label, true)) > 0
}

func (s *AbstractState) hasFullBorrows(id RefID) bool {
	full, _ := s.graph.BorrowedBy(id)
	return len(full) > 0
}

// isWritable: a mutable reference with nothing borrowed from it.
func (s *AbstractState) isWritable(id RefID) bool {
	assertf(s.graph.IsMutable(id), "isWritable on immutable reference %d", id)
	return !s.hasConsistentBorrows(id, nil)
}

// isFreezable: a mutable reference with no mutable borrows at label (or
// anywhere when label is nil).
func (s *AbstractState) isFreezable(id RefID, label *Label) bool {
	assertf(s.graph.IsMutable(id), "isFreezable on immutable reference %d", id)
	return !s.hasConsistentMutableBorrows(id, label)
}

func (s *AbstractState) isReadable(id RefID, label *Label) bool {
	return !s.graph.IsMutable(id) || s.isFreezable(id, label)
}

func (s *AbstractState) localSites(l bytecode.LocalIndex, mutOnly bool) []int {
	lbl := Local(l)
	return s.borrowSites(s.frameRoot(), &lbl, mutOnly)
}

func (s *AbstractState) isLocalBorrowed(l bytecode.LocalIndex) bool {
	return len(s.localSites(l, false)) > 0
}

func (s *AbstractState) isLocalMutablyBorrowed(l bytecode.LocalIndex) bool {
	return len(s.localSites(l, true)) > 0
}

func (s *AbstractState) globalSites(def bytecode.StructDefinitionIndex, mutOnly bool) []int {
	lbl := Global(def)
	return s.borrowSites(s.frameRoot(), &lbl, mutOnly)
}

// IsGlobalBorrowed reports whether any live reference points into the global
// resource def.
func (s *AbstractState) IsGlobalBorrowed(def bytecode.StructDefinitionIndex) bool {
	return len(s.globalSites(def, false)) > 0
}

//
// Operations
//

// ValueFor manufactures a fresh value of static type t. A reference type
// yields an unrooted reference.
func (s *AbstractState) ValueFor(t bytecode.SignatureToken) AbstractValue {
	switch {
	case t.IsMutableReference():
		return Reference(s.newRef(true), true)
	case t.IsReference():
		return Reference(s.newRef(false), false)
	}
	return NonReference
}

func (s *AbstractState) mustLocal(op string, l bytecode.LocalIndex) AbstractValue {
	v, ok := s.locals[l]
	assertf(ok, "%s of unavailable local %d", op, l)
	return v
}

// CopyLoc copies the value of local l. Copying a reference mints a new id
// that strongly borrows from the original.
func (s *AbstractState) CopyLoc(offset bytecode.CodeOffset, l bytecode.LocalIndex) (AbstractValue, error) {
	v := s.mustLocal("CopyLoc", l)
	if id, ok := v.RefID(); ok {
		mutable := s.graph.IsMutable(id)
		if mutable {
			if sites := s.borrowSites(id, nil, false); len(sites) > 0 {
				return NonReference, s.fail(status.CopyMutRef, offset,
					"copying mutable reference in local %d while it is borrowed", l).WithRelated(sites...)
			}
		}
		copied := s.newRef(mutable)
		s.graph.AddStrongBorrow(int(offset), id, copied)
		return Reference(copied, mutable), nil
	}
	if sites := s.localSites(l, true); len(sites) > 0 {
		return NonReference, s.fail(status.CopyLocExistsBorrow, offset,
			"copying local %d while it is mutably borrowed", l).WithRelated(sites...)
	}
	return NonReference, nil
}

// MoveLoc takes the value out of local l.
func (s *AbstractState) MoveLoc(offset bytecode.CodeOffset, l bytecode.LocalIndex) (AbstractValue, error) {
	v := s.mustLocal("MoveLoc", l)
	if v.IsValue() {
		if sites := s.localSites(l, false); len(sites) > 0 {
			return NonReference, s.fail(status.MoveLocExistsBorrow, offset,
				"moving local %d while it is borrowed", l).WithRelated(sites...)
		}
	}
	delete(s.locals, l)
	return v, nil
}

// StLoc stores v into local l, destroying the previous value.
func (s *AbstractState) StLoc(offset bytecode.CodeOffset, l bytecode.LocalIndex, v AbstractValue) error {
	if old, ok := s.locals[l]; ok {
		if id, isRef := old.RefID(); isRef {
			if sites := s.borrowSites(id, nil, false); len(sites) > 0 {
				return s.fail(status.StLocUnsafeToDestroy, offset,
					"overwriting reference in local %d that is still borrowed", l).WithRelated(sites...)
			}
		} else if sites := s.localSites(l, false); len(sites) > 0 {
			return s.fail(status.StLocUnsafeToDestroy, offset,
				"overwriting local %d while it is borrowed", l).WithRelated(sites...)
		}
		s.ReleaseValue(old)
	}
	s.locals[l] = v
	return nil
}

// BorrowLoc borrows local l.
func (s *AbstractState) BorrowLoc(offset bytecode.CodeOffset, mutable bool, l bytecode.LocalIndex) (AbstractValue, error) {
	sites := s.localSites(l, !mutable)
	if len(sites) > 0 {
		kind := "mutably "
		if mutable {
			kind = ""
		}
		return NonReference, s.fail(status.BorrowLocExistsBorrow, offset,
			"local %d is already %sborrowed", l, kind).WithRelated(sites...)
	}
	id := s.newRef(mutable)
	s.graph.AddStrongFieldBorrow(int(offset), s.frameRoot(), Local(l), id)
	return Reference(id, mutable), nil
}

// BorrowField borrows field of the struct behind parent. The parent
// reference is consumed.
func (s *AbstractState) BorrowField(offset bytecode.CodeOffset, mutable bool, parent RefID, field Label) (AbstractValue, error) {
	if mutable && !s.graph.IsMutable(parent) {
		return NonReference, s.fail(status.BorrowFieldImmutableParent, offset,
			"mutable borrow of %s through an immutable reference", field)
	}
	if mutable {
		full, fields := s.graph.BorrowedBy(parent)
		var sites []int
		for _, loc := range full {
			sites = append(sites, loc)
		}
		for _, loc := range fields[field] {
			sites = append(sites, loc)
		}
		if len(sites) > 0 {
			sort.Ints(sites)
			return NonReference, s.fail(status.FieldExistsMutableBorrow, offset,
				"mutable borrow of %s while it is borrowed", field).WithRelated(sites...)
		}
	} else if !s.isReadable(parent, &field) {
		return NonReference, s.fail(status.FieldExistsMutableBorrow, offset,
			"borrow of %s while it is mutably borrowed", field).WithRelated(s.borrowSites(parent, &field, true)...)
	}
	id := s.newRef(mutable)
	s.graph.AddStrongFieldBorrow(int(offset), parent, field, id)
	s.graph.Release(parent)
	return Reference(id, mutable), nil
}

// BorrowGlobal borrows the global resource def.
func (s *AbstractState) BorrowGlobal(offset bytecode.CodeOffset, mutable bool, def bytecode.StructDefinitionIndex) (AbstractValue, error) {
	sites := s.globalSites(def, !mutable)
	if len(sites) > 0 {
		return NonReference, s.fail(status.GlobalReferenceError, offset,
			"global resource %d is already borrowed", def).WithRelated(sites...)
	}
	id := s.newRef(mutable)
	s.graph.AddWeakFieldBorrow(int(offset), s.frameRoot(), Global(def), id)
	return Reference(id, mutable), nil
}

// MoveFrom removes the global resource def from storage.
func (s *AbstractState) MoveFrom(offset bytecode.CodeOffset, def bytecode.StructDefinitionIndex) (AbstractValue, error) {
	if sites := s.globalSites(def, false); len(sites) > 0 {
		return NonReference, s.fail(status.GlobalReferenceError, offset,
			"moving global resource %d while it is borrowed", def).WithRelated(sites...)
	}
	return NonReference, nil
}

// FreezeRef turns a mutable reference into an immutable one.
func (s *AbstractState) FreezeRef(offset bytecode.CodeOffset, id RefID) (AbstractValue, error) {
	assertf(s.graph.IsMutable(id), "FreezeRef of immutable reference %d", id)
	if !s.isFreezable(id, nil) {
		return NonReference, s.fail(status.FreezeRefExistsMutableBorrow, offset,
			"freezing a reference that is mutably borrowed").WithRelated(s.borrowSites(id, nil, true)...)
	}
	frozen := s.newRef(false)
	s.graph.AddStrongBorrow(int(offset), id, frozen)
	s.graph.Release(id)
	return Reference(frozen, false), nil
}

// ReadRef dereferences id.
func (s *AbstractState) ReadRef(offset bytecode.CodeOffset, id RefID) (AbstractValue, error) {
	if !s.isReadable(id, nil) {
		return NonReference, s.fail(status.ReadRefExistsMutableBorrow, offset,
			"reading through a reference that is mutably borrowed").WithRelated(s.borrowSites(id, nil, true)...)
	}
	s.graph.Release(id)
	return NonReference, nil
}

// WriteRef assigns through id.
func (s *AbstractState) WriteRef(offset bytecode.CodeOffset, id RefID) error {
	if !s.graph.IsMutable(id) {
		return s.fail(status.WriteRefImmutable, offset, "writing through an immutable reference")
	}
	if !s.isWritable(id) {
		return s.fail(status.WriteRefExistsBorrow, offset,
			"writing through a reference that is borrowed").WithRelated(s.borrowSites(id, nil, false)...)
	}
	s.graph.Release(id)
	return nil
}

// ReleaseValue drops v. References are removed from the graph and their
// borrowers are re-attached to their parents.
func (s *AbstractState) ReleaseValue(v AbstractValue) {
	if id, ok := v.RefID(); ok {
		s.graph.Release(id)
	}
}

// Comparison consumes two operands of Eq/Neq.
func (s *AbstractState) Comparison(offset bytecode.CodeOffset, v1, v2 AbstractValue) (AbstractValue, error) {
	id1, ref1 := v1.RefID()
	id2, ref2 := v2.RefID()
	assertf(ref1 == ref2, "comparing a reference with a value")
	if !ref1 {
		return NonReference, nil
	}
	for _, id := range []RefID{id1, id2} {
		if !s.isReadable(id, nil) {
			return NonReference, s.fail(status.ReadRefExistsMutableBorrow, offset,
				"comparing through a reference that is mutably borrowed").WithRelated(s.borrowSites(id, nil, true)...)
		}
	}
	s.graph.Release(id1)
	s.graph.Release(id2)
	return NonReference, nil
}

// VectorOp checks a vector operation through vec. mutating is set for
// push, pop and swap.
func (s *AbstractState) VectorOp(offset bytecode.CodeOffset, vec AbstractValue, mutating bool) error {
	id, ok := vec.RefID()
	assertf(ok, "vector operation on a value")
	if mutating {
		if !s.graph.IsMutable(id) {
			return s.fail(status.VecMutateImmutable, offset, "mutating a vector through an immutable reference")
		}
		if !s.isWritable(id) {
			return s.fail(status.VecUpdateExistsMutableBorrow, offset,
				"mutating a vector that is borrowed").WithRelated(s.borrowSites(id, nil, false)...)
		}
	}
	s.graph.Release(id)
	return nil
}

// VectorElementBorrow borrows an element of the vector behind vec. The
// element ref weakly borrows the whole vector since the index is unknown.
func (s *AbstractState) VectorElementBorrow(offset bytecode.CodeOffset, vec AbstractValue, mutable bool) (AbstractValue, error) {
	vid, ok := vec.RefID()
	assertf(ok, "vector element borrow on a value")
	switch {
	case mutable && !s.graph.IsMutable(vid):
		return NonReference, s.fail(status.VecMutateImmutable, offset,
			"mutable element borrow through an immutable vector reference")
	case mutable && !s.isWritable(vid):
		return NonReference, s.fail(status.VecBorrowElementExistsMutableBorrow, offset,
			"mutable element borrow of a vector that is borrowed").WithRelated(s.borrowSites(vid, nil, false)...)
	case !mutable && !s.isReadable(vid, nil):
		return NonReference, s.fail(status.VecBorrowElementExistsMutableBorrow, offset,
			"element borrow of a vector that is mutably borrowed").WithRelated(s.borrowSites(vid, nil, true)...)
	}
	elem := s.newRef(mutable)
	s.graph.AddWeakBorrow(int(offset), vid, elem)
	s.graph.Release(vid)
	return Reference(elem, mutable), nil
}

// Call consumes args of a callee with parameter types params, which may
// acquire the resources in acquires and returns values typed by returns.
// A returned &mut may point into any &mut argument, a returned & into any
// reference argument.
func (s *AbstractState) Call(
	offset bytecode.CodeOffset,
	args []AbstractValue,
	params bytecode.Signature,
	acquires []bytecode.StructDefinitionIndex,
	returns bytecode.Signature,
) ([]AbstractValue, error) {
	for _, def := range acquires {
		if sites := s.globalSites(def, false); len(sites) > 0 {
			return nil, s.fail(status.GlobalReferenceError, offset,
				"callee acquires global resource %d while it is borrowed", def).WithRelated(sites...)
		}
	}
	if len(args) != len(params) {
		return nil, s.fail(status.VerifierInvariantViolation, offset,
			"call passes %d arguments for %d parameters", len(args), len(params))
	}
	var all, mutables []RefID
	for i, arg := range args {
		id, isRef := arg.RefID()
		if isRef != params[i].IsReference() {
			return nil, s.fail(status.VerifierInvariantViolation, offset,
				"argument %d does not match parameter type %s", i, params[i])
		}
		if !isRef {
			continue
		}
		if s.graph.IsMutable(id) {
			if !s.isWritable(id) {
				return nil, s.fail(status.CallBorrowedMutableReference, offset,
					"passing borrowed mutable reference as argument %d", i).WithRelated(s.borrowSites(id, nil, false)...)
			}
			mutables = append(mutables, id)
		}
		all = append(all, id)
	}

	out := make([]AbstractValue, 0, len(returns))
	for _, ret := range returns {
		switch {
		case ret.IsMutableReference():
			id := s.newRef(true)
			for _, parent := range mutables {
				s.graph.AddWeakBorrow(int(offset), parent, id)
			}
			out = append(out, Reference(id, true))
		case ret.IsReference():
			id := s.newRef(false)
			for _, parent := range all {
				s.graph.AddWeakBorrow(int(offset), parent, id)
			}
			out = append(out, Reference(id, false))
		default:
			out = append(out, s.ValueFor(ret))
		}
	}
	for _, id := range all {
		s.graph.Release(id)
	}
	return out, nil
}

// Ret ends the frame. Locals are destroyed first; then no returned reference
// may point into a local, no local may still be borrowed, and returned
// mutable references must be unborrowed.
func (s *AbstractState) Ret(offset bytecode.CodeOffset, values []AbstractValue) error {
	var released []RefID
	for _, v := range s.locals {
		if id, ok := v.RefID(); ok {
			released = append(released, id)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	for _, id := range released {
		s.graph.Release(id)
	}
	clear(s.locals)

	root := s.frameRoot()
	for i, v := range values {
		id, ok := v.RefID()
		if !ok {
			continue
		}
		for _, in := range s.graph.InEdges(id) {
			if in.Parent == root && len(in.Edge.Path) > 0 && in.Edge.Path[0].Kind == LabelLocal {
				return s.fail(status.InvalidReturnRef, offset,
					"return value %d points into %s", i, in.Edge.Path[0]).WithRelated(in.Edge.Loc)
			}
		}
	}

	full, fields := s.graph.BorrowedBy(root)
	var sites []int
	for _, loc := range full {
		sites = append(sites, loc)
	}
	for lbl, m := range fields {
		if lbl.Kind != LabelLocal {
			continue
		}
		for _, loc := range m {
			sites = append(sites, loc)
		}
	}
	if len(sites) > 0 {
		sort.Ints(sites)
		return s.fail(status.UnsafeRetLocalOrResourceStillBorrowed, offset,
			"returning while a local is still borrowed").WithRelated(sites...)
	}

	for i, v := range values {
		id, ok := v.RefID()
		if !ok || !s.graph.IsMutable(id) {
			continue
		}
		if !s.isWritable(id) {
			return s.fail(status.RetBorrowedMutableReference, offset,
				"returning mutable reference %d while it is borrowed", i).WithRelated(s.borrowSites(id, nil, false)...)
		}
	}
	for _, v := range values {
		s.ReleaseValue(v)
	}
	return nil
}
