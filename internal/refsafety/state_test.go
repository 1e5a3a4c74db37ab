package refsafety

import (
	"strings"
	"testing"

	"refsafe/internal/absint"
	"refsafe/internal/bytecode"
)

// twoSlotView has two u64 parameters and two &u64 locals.
func twoSlotView() *bytecode.FunctionView {
	return &bytecode.FunctionView{
		Parameters: bytecode.Signature{bytecode.U64, bytecode.U64},
		Locals:     bytecode.Signature{bytecode.RefTo(bytecode.U64), bytecode.RefTo(bytecode.U64)},
		Code:       []bytecode.Instr{bytecode.Simple(bytecode.OpRet)},
	}
}

// borrowInto stores an immutable borrow of local src into local dst.
func borrowInto(t *testing.T, s *AbstractState, offset bytecode.CodeOffset, src, dst bytecode.LocalIndex) {
	t.Helper()
	v, err := s.BorrowLoc(offset, false, src)
	if err != nil {
		t.Fatalf("borrow %d: %v", src, err)
	}
	if err := s.StLoc(offset+1, dst, v); err != nil {
		t.Fatalf("store %d: %v", dst, err)
	}
}

func TestCanonicalFormIgnoresIDChoice(t *testing.T) {
	a := NewAbstractState(twoSlotView())
	borrowInto(t, a, 0, 0, 2)
	borrowInto(t, a, 2, 1, 3)

	b := NewAbstractState(twoSlotView())
	borrowInto(t, b, 0, 1, 3)
	borrowInto(t, b, 2, 0, 2)

	if a.Equal(b) {
		t.Fatalf("states with different ids compare equal before canonicalization")
	}
	ca, cb := a.Canonical(), b.Canonical()
	if !ca.Equal(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if !ca.Canonical().Equal(ca) {
		t.Fatalf("canonicalization is not idempotent")
	}
	if v, _ := ca.Local(2); v != Reference(2, false) {
		t.Fatalf("local 2 holds %s, want ref#2", v)
	}
}

func TestJoinDropsLocalsMissingOnOneSide(t *testing.T) {
	base := NewAbstractState(twoSlotView())
	borrowInto(t, base, 0, 0, 2)
	borrowInto(t, base, 2, 1, 3)
	base = base.Canonical()

	moved := base.Clone()
	v, err := moved.MoveLoc(4, 3)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	moved.ReleaseValue(v)

	changed, err := base.Join(moved)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if changed != absint.Changed {
		t.Fatalf("join with a state missing local 3 reported %s", changed)
	}
	if _, ok := base.Local(3); ok {
		t.Fatalf("local 3 survived the join")
	}
	if base.isLocalBorrowed(1) {
		t.Fatalf("local 1 is still borrowed after its borrower was dropped")
	}
	if !base.isLocalBorrowed(0) {
		t.Fatalf("local 0 lost its borrow")
	}

	again, err := base.Join(moved)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if again != absint.Unchanged {
		t.Fatalf("second join reported %s", again)
	}
}

func TestJoinReferenceWithValueAsserts(t *testing.T) {
	withRef := NewAbstractState(twoSlotView())
	borrowInto(t, withRef, 0, 0, 2)
	withRef = withRef.Canonical()

	withValue := NewAbstractState(twoSlotView())
	if err := withValue.StLoc(0, 2, NonReference); err != nil {
		t.Fatalf("store: %v", err)
	}

	defer func() {
		a, ok := recover().(assertion)
		if !ok {
			t.Fatalf("expected an assertion panic")
		}
		if !strings.Contains(a.msg, "local 2 joins") {
			t.Fatalf("assertion message %q", a.msg)
		}
	}()
	_, _ = withRef.Join(withValue)
}

func TestJoinRejectsNonCanonicalStates(t *testing.T) {
	s := NewAbstractState(twoSlotView())
	borrowInto(t, s, 0, 0, 2)
	defer func() {
		if _, ok := recover().(assertion); !ok {
			t.Fatalf("expected an assertion panic")
		}
	}()
	_, _ = s.Join(s.Canonical())
}
