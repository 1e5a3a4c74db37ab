package refsafety_test

import (
	"strings"
	"testing"

	"refsafe/internal/absint"
	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
	"refsafe/internal/refsafety"
	"refsafe/internal/status"
)

// module wraps function declarations in a module that also declares a
// resource R with a single u64 field.
func module(functions string) string {
	return `
name = "M"
address = "0x1"

[[structs]]
name = "R"
key = true
fields = ["value: u64"]

[[structs]]
name = "Pair"
fields = ["a: u64", "b: u64"]
` + functions
}

func findFunction(t *testing.T, m *bytecode.Module, name string) bytecode.FunctionDefinitionIndex {
	t.Helper()
	for i := range m.FunctionDefs {
		if m.FunctionName(bytecode.FunctionDefinitionIndex(i)) == name {
			return bytecode.FunctionDefinitionIndex(i)
		}
	}
	t.Fatalf("no function %q", name)
	return 0
}

func analyze(t *testing.T, src, name string) (*bytecode.FunctionView, error) {
	t.Helper()
	m, err := asm.AssembleString(module(src))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	view, err := bytecode.NewFunctionView(m, findFunction(t, m, name))
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	names, err := refsafety.NameDefMap(m)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	return view, refsafety.Verify(m, view, names)
}

func expectOK(t *testing.T, src, name string) {
	t.Helper()
	if _, err := analyze(t, src, name); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func expectCode(t *testing.T, src, name string, want status.Code, offset int) *status.Error {
	t.Helper()
	_, err := analyze(t, src, name)
	if err == nil {
		t.Fatalf("expected %s, got success", want)
	}
	se, ok := status.As(err)
	if !ok {
		t.Fatalf("expected *status.Error, got %T: %v", err, err)
	}
	if se.Code != want {
		t.Fatalf("code = %s, want %s (%v)", se.Code, want, err)
	}
	if offset >= 0 && se.Offset != offset {
		t.Fatalf("offset = %d, want %d (%v)", se.Offset, offset, err)
	}
	return se
}

func TestBorrowLoc(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		want   status.Code
		offset int
	}{
		{
			name: "two mutable borrows",
			code: "MutBorrowLoc 0\nMutBorrowLoc 0\nPop\nPop\nRet",
			want: status.BorrowLocExistsBorrow, offset: 1,
		},
		{
			name: "immutable after mutable",
			code: "MutBorrowLoc 0\nImmBorrowLoc 0\nPop\nPop\nRet",
			want: status.BorrowLocExistsBorrow, offset: 1,
		},
		{
			name: "mutable after immutable",
			code: "ImmBorrowLoc 0\nMutBorrowLoc 0\nPop\nPop\nRet",
			want: status.BorrowLocExistsBorrow, offset: 1,
		},
		{
			name: "two immutable borrows",
			code: "ImmBorrowLoc 0\nImmBorrowLoc 0\nPop\nPop\nRet",
		},
		{
			name: "borrow after release",
			code: "MutBorrowLoc 0\nPop\nMutBorrowLoc 0\nPop\nRet",
		},
		{
			name: "move while borrowed",
			code: "MutBorrowLoc 0\nMoveLoc 0\nPop\nPop\nRet",
			want: status.MoveLocExistsBorrow, offset: 1,
		},
		{
			name: "copy while mutably borrowed",
			code: "MutBorrowLoc 0\nCopyLoc 0\nPop\nPop\nRet",
			want: status.CopyLocExistsBorrow, offset: 1,
		},
		{
			name: "copy while immutably borrowed",
			code: "ImmBorrowLoc 0\nCopyLoc 0\nPop\nPop\nRet",
		},
		{
			name: "overwrite while borrowed",
			code: "ImmBorrowLoc 0\nLdU64 1\nStLoc 0\nPop\nRet",
			want: status.StLocUnsafeToDestroy, offset: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "[[functions]]\nname = \"f\"\nparams = [\"u64\"]\ncode = \"\"\"\n" + tt.code + "\n\"\"\"\n"
			if tt.want == status.Unknown {
				expectOK(t, src, "f")
				return
			}
			se := expectCode(t, src, "f", tt.want, tt.offset)
			if len(se.Related) == 0 || se.Related[0] != 0 {
				t.Fatalf("related = %v, want the borrow at 0", se.Related)
			}
		})
	}
}

func TestReferenceOperations(t *testing.T) {
	tests := []struct {
		name   string
		params string
		code   string
		want   status.Code
		offset int
	}{
		{
			name:   "write through frozen reference",
			params: `["u64"]`,
			code:   "LdU64 1\nMutBorrowLoc 0\nFreezeRef\nWriteRef\nRet",
			want:   status.WriteRefImmutable, offset: 3,
		},
		{
			name:   "write through fresh mutable reference",
			params: `["u64"]`,
			code:   "LdU64 1\nMutBorrowLoc 0\nWriteRef\nRet",
		},
		{
			name:   "copy mutable reference while borrowed",
			params: `["&mut u64", "&mut u64"]`,
			code:   "CopyLoc 0\nStLoc 1\nCopyLoc 0\nPop\nRet",
			want:   status.CopyMutRef, offset: 2,
		},
		{
			name:   "write through the copy of a reference",
			params: `["&mut u64", "&mut u64"]`,
			code:   "CopyLoc 0\nStLoc 1\nLdU64 3\nCopyLoc 1\nWriteRef\nMoveLoc 1\nPop\nMoveLoc 0\nPop\nRet",
		},
		{
			name:   "write through a reference with a live copy",
			params: `["&mut u64", "&mut u64"]`,
			code:   "CopyLoc 0\nStLoc 1\nLdU64 4\nMoveLoc 0\nWriteRef\nMoveLoc 1\nPop\nRet",
			want:   status.WriteRefExistsBorrow, offset: 4,
		},
		{
			name:   "mutable field through immutable parent",
			params: `["&Pair"]`,
			code:   "MoveLoc 0\nMutBorrowField Pair.a\nPop\nRet",
			want:   status.BorrowFieldImmutableParent, offset: 1,
		},
		{
			name:   "disjoint field borrows",
			params: `["&mut Pair", "&mut u64"]`,
			code: "CopyLoc 0\nMutBorrowField Pair.a\nStLoc 1\n" +
				"MoveLoc 0\nMutBorrowField Pair.b\nPop\nMoveLoc 1\nPop\nRet",
		},
		{
			name:   "move a reference whose field is borrowed",
			params: `["&mut Pair", "&mut u64"]`,
			code:   "CopyLoc 0\nMutBorrowField Pair.a\nStLoc 1\nMoveLoc 0\nPop\nMoveLoc 1\nPop\nRet",
		},
		{
			name:   "same field borrowed twice",
			params: `["&mut Pair", "&mut u64"]`,
			code: "CopyLoc 0\nMutBorrowField Pair.a\nStLoc 1\n" +
				"MoveLoc 0\nMutBorrowField Pair.a\nPop\nMoveLoc 1\nPop\nRet",
			want: status.FieldExistsMutableBorrow, offset: 4,
		},
		{
			name:   "read while field is mutably borrowed",
			params: `["&mut Pair", "&mut u64"]`,
			code: "CopyLoc 0\nMutBorrowField Pair.a\nStLoc 1\n" +
				"MoveLoc 0\nReadRef\nPop\nMoveLoc 1\nPop\nRet",
			want: status.ReadRefExistsMutableBorrow, offset: 4,
		},
		{
			name:   "compare frozen and immutable references",
			params: `["&mut u64", "&u64"]`,
			code:   "CopyLoc 0\nFreezeRef\nMoveLoc 1\nEq\nPop\nMoveLoc 0\nPop\nRet",
		},
		{
			name:   "compare while a field is mutably borrowed",
			params: `["&mut Pair", "&mut u64"]`,
			code: "CopyLoc 0\nMutBorrowField Pair.a\nStLoc 1\n" +
				"MoveLoc 0\nCopyLoc 1\nEq\nPop\nRet",
			want: status.ReadRefExistsMutableBorrow, offset: 5,
		},
		{
			name:   "freeze while mutably borrowed",
			params: `["&mut u64", "&mut u64"]`,
			code:   "CopyLoc 0\nStLoc 1\nMoveLoc 0\nFreezeRef\nPop\nRet",
			want:   status.FreezeRefExistsMutableBorrow, offset: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "[[functions]]\nname = \"f\"\nparams = " + tt.params + "\ncode = \"\"\"\n" + tt.code + "\n\"\"\"\n"
			if tt.want == status.Unknown {
				expectOK(t, src, "f")
				return
			}
			expectCode(t, src, "f", tt.want, tt.offset)
		})
	}
}

func TestReturnedReferences(t *testing.T) {
	t.Run("reference to local", func(t *testing.T) {
		src := `
[[functions]]
name = "f"
params = ["u64"]
returns = ["&u64"]
code = """
ImmBorrowLoc 0
Ret
"""
`
		se := expectCode(t, src, "f", status.InvalidReturnRef, 1)
		if len(se.Related) != 1 || se.Related[0] != 0 {
			t.Fatalf("related = %v, want [0]", se.Related)
		}
	})
	t.Run("reference parameter", func(t *testing.T) {
		expectOK(t, `
[[functions]]
name = "f"
params = ["&u64"]
returns = ["&u64"]
code = """
MoveLoc 0
Ret
"""
`, "f")
	})
	t.Run("field of reference parameter", func(t *testing.T) {
		expectOK(t, `
[[functions]]
name = "f"
params = ["&mut Pair"]
returns = ["&mut u64"]
code = """
MoveLoc 0
MutBorrowField Pair.b
Ret
"""
`, "f")
	})
	t.Run("global reference", func(t *testing.T) {
		expectOK(t, `
[[functions]]
name = "f"
params = ["address"]
returns = ["&R"]
acquires = ["R"]
code = """
MoveLoc 0
ImmBorrowGlobal R
Ret
"""
`, "f")
	})
	t.Run("mutable return still borrowed", func(t *testing.T) {
		expectCode(t, `
[[functions]]
name = "f"
params = ["&mut u64"]
returns = ["&mut u64", "&u64"]
locals = ["&u64"]
code = """
CopyLoc 0
FreezeRef
StLoc 1
MoveLoc 0
MoveLoc 1
Ret
"""
`, "f", status.RetBorrowedMutableReference, 5)
	})
	t.Run("local still borrowed", func(t *testing.T) {
		expectCode(t, `
[[functions]]
name = "f"
params = ["u64"]
code = """
ImmBorrowLoc 0
Ret
"""
`, "f", status.UnsafeRetLocalOrResourceStillBorrowed, 1)
	})
}

func TestGlobalBorrows(t *testing.T) {
	tests := []struct {
		name     string
		acquires string
		code     string
		want     status.Code
		offset   int
	}{
		{
			name:     "two mutable borrows",
			acquires: `["R"]`,
			code:     "CopyLoc 0\nMutBorrowGlobal R\nCopyLoc 0\nMutBorrowGlobal R\nPop\nPop\nRet",
			want:     status.GlobalReferenceError, offset: 3,
		},
		{
			name:     "two immutable borrows",
			acquires: `["R"]`,
			code:     "CopyLoc 0\nImmBorrowGlobal R\nCopyLoc 0\nImmBorrowGlobal R\nPop\nPop\nRet",
		},
		{
			name:     "move from while borrowed",
			acquires: `["R"]`,
			code:     "CopyLoc 0\nImmBorrowGlobal R\nCopyLoc 0\nMoveFrom R\nPop\nPop\nRet",
			want:     status.GlobalReferenceError, offset: 3,
		},
		{
			name:     "missing acquires",
			acquires: `[]`,
			code:     "CopyLoc 0\nImmBorrowGlobal R\nPop\nRet",
			want:     status.MissingAcquiresAnnotation, offset: 1,
		},
		{
			name:     "call acquiring callee while borrowed",
			acquires: `["R"]`,
			code:     "CopyLoc 0\nImmBorrowGlobal R\nCopyLoc 0\nCall touch\nPop\nRet",
			want:     status.GlobalReferenceError, offset: 3,
		},
		{
			name:     "call acquiring callee after release",
			acquires: `["R"]`,
			code:     "CopyLoc 0\nImmBorrowGlobal R\nPop\nCopyLoc 0\nCall touch\nRet",
		},
		{
			name:     "caller does not declare callee acquires",
			acquires: `[]`,
			code:     "CopyLoc 0\nCall touch\nRet",
			want:     status.MissingAcquiresAnnotation, offset: 1,
		},
	}
	const touch = `
[[functions]]
name = "touch"
params = ["address"]
acquires = ["R"]
code = """
MoveLoc 0
ImmBorrowGlobal R
Pop
Ret
"""
`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := touch + "[[functions]]\nname = \"f\"\nparams = [\"address\"]\nacquires = " + tt.acquires +
				"\ncode = \"\"\"\n" + tt.code + "\n\"\"\"\n"
			if tt.want == status.Unknown {
				expectOK(t, src, "f")
				return
			}
			expectCode(t, src, "f", tt.want, tt.offset)
		})
	}
}

func TestCallArguments(t *testing.T) {
	const pick = `
[[functions]]
name = "pick"
params = ["&mut u64", "&u64"]
returns = ["&mut u64"]
code = """
MoveLoc 1
Pop
MoveLoc 0
Ret
"""
`
	t.Run("borrowed mutable argument", func(t *testing.T) {
		se := expectCode(t, pick+`
[[functions]]
name = "f"
params = ["&mut u64"]
locals = ["&u64"]
code = """
CopyLoc 0
FreezeRef
StLoc 1
MoveLoc 0
CopyLoc 1
Call pick
Pop
Ret
"""
`, "f", status.CallBorrowedMutableReference, 5)
		if len(se.Related) != 1 || se.Related[0] != 1 {
			t.Fatalf("related = %v, want the freeze at 1", se.Related)
		}
	})
	t.Run("result keeps mutable argument borrowed", func(t *testing.T) {
		se := expectCode(t, pick+`
[[functions]]
name = "f"
params = ["u64", "u64"]
locals = ["&mut u64"]
code = """
MutBorrowLoc 0
ImmBorrowLoc 1
Call pick
StLoc 2
MoveLoc 0
Pop
Ret
"""
`, "f", status.MoveLocExistsBorrow, 4)
		if len(se.Related) != 1 || se.Related[0] != 2 {
			t.Fatalf("related = %v, want the call at 2", se.Related)
		}
	})
	t.Run("result does not borrow immutable argument", func(t *testing.T) {
		expectOK(t, pick+`
[[functions]]
name = "f"
params = ["u64", "u64"]
locals = ["&mut u64"]
code = """
MutBorrowLoc 0
ImmBorrowLoc 1
Call pick
StLoc 2
MoveLoc 1
Pop
MoveLoc 2
Pop
Ret
"""
`, "f")
	})
}

func TestVectorOperations(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		want   status.Code
		offset int
	}{
		{
			name: "push through mutable reference",
			code: "MutBorrowLoc 0\nLdU8 1\nVecPushBack u8\nRet",
		},
		{
			name: "push through immutable reference",
			code: "ImmBorrowLoc 0\nLdU8 1\nVecPushBack u8\nRet",
			want: status.VecMutateImmutable, offset: 2,
		},
		{
			name: "borrow vector while an element is borrowed",
			code: "MutBorrowLoc 0\nLdU64 0\nVecMutBorrow u8\nStLoc 1\n" +
				"MutBorrowLoc 0\nLdU8 1\nVecPushBack u8\nMoveLoc 1\nPop\nRet",
			want: status.BorrowLocExistsBorrow, offset: 4,
		},
		{
			name: "length while an element is borrowed",
			code: "ImmBorrowLoc 0\nLdU64 0\nVecImmBorrow u8\nStLoc 2\n" +
				"ImmBorrowLoc 0\nVecLen u8\nPop\nMoveLoc 2\nPop\nRet",
		},
		{
			name: "mutable element through immutable reference",
			code: "ImmBorrowLoc 0\nLdU64 0\nVecMutBorrow u8\nPop\nRet",
			want: status.VecMutateImmutable, offset: 2,
		},
		{
			name: "swap through a reference with a live element",
			code: "MutBorrowLoc 0\nStLoc 3\nCopyLoc 3\nLdU64 0\nVecMutBorrow u8\nStLoc 1\n" +
				"MoveLoc 3\nLdU64 0\nLdU64 1\nVecSwap u8\nMoveLoc 1\nPop\nRet",
			want: status.VecUpdateExistsMutableBorrow, offset: 9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "[[functions]]\nname = \"f\"\nparams = [\"vector<u8>\"]\n" +
				"locals = [\"&mut u8\", \"&u8\", \"&mut vector<u8>\"]\ncode = \"\"\"\n" + tt.code + "\n\"\"\"\n"
			if tt.want == status.Unknown {
				expectOK(t, src, "f")
				return
			}
			expectCode(t, src, "f", tt.want, tt.offset)
		})
	}
}

const loopSource = `
[[functions]]
name = "f"
params = ["u64"]
locals = ["&u64"]
code = """
    ImmBorrowLoc 0
    StLoc 1
loop:
    CopyLoc 1
    ReadRef
    LdU64 3
    Lt
    BrFalse done
    ImmBorrowLoc 0
    StLoc 1
    Branch loop
done:
    Ret
"""
`

func TestLoopReachesFixpoint(t *testing.T) {
	m, err := asm.AssembleString(module(loopSource))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	view, err := bytecode.NewFunctionView(m, 0)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	names, err := refsafety.NameDefMap(m)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	res, err := refsafety.Analyze(m, view, names, refsafety.Options{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Stats.BackEdgeJoins != 1 || res.Stats.ChangedJoins != 0 {
		t.Fatalf("stats = %+v, want one unchanged back-edge join", res.Stats)
	}
	for block, pre := range res.Pre {
		again := pre.Clone()
		changed, err := again.Join(pre)
		if err != nil {
			t.Fatalf("block %d: join: %v", block, err)
		}
		if changed != absint.Unchanged || !again.Equal(pre) {
			t.Fatalf("block %d: joining a state with itself changed it", block)
		}
		if !pre.Canonical().Equal(pre) {
			t.Fatalf("block %d: stored state is not canonical:\n%s", block, pre)
		}
	}
	head := res.Pre[2]
	if v, ok := head.Local(1); !ok || !v.IsReference() {
		t.Fatalf("loop head local 1 = %v, %v; want a reference", v, ok)
	}
}

func TestBorrowCarriedAroundLoop(t *testing.T) {
	se := expectCode(t, `
[[functions]]
name = "f"
params = ["u64", "&mut u64"]
locals = ["&mut u64"]
code = """
    CopyLoc 1
    StLoc 2
loop:
    MutBorrowLoc 0
    StLoc 2
    LdTrue
    BrTrue loop
    Ret
"""
`, "f", status.BorrowLocExistsBorrow, 2)
	if len(se.Related) != 1 || se.Related[0] != 2 {
		t.Fatalf("related = %v, want [2]", se.Related)
	}
}

func TestVisitLimit(t *testing.T) {
	m, err := asm.AssembleString(module(loopSource))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	view, err := bytecode.NewFunctionView(m, 0)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	names, _ := refsafety.NameDefMap(m)
	var visited []bytecode.BlockID
	_, err = refsafety.VerifyWithStats(m, view, names, refsafety.Options{
		MaxBlockVisits: 2,
		OnBlock:        func(b bytecode.BlockID) { visited = append(visited, b) },
	})
	if status.CodeOf(err) != status.VerifierInternalError {
		t.Fatalf("err = %v, want an internal error", err)
	}
	if len(visited) != 2 || visited[0] != 0 {
		t.Fatalf("visited = %v", visited)
	}
}

func TestInternalErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "stack underflow", code: "Pop\nRet", want: "empty operand stack"},
		{name: "value left on stack", code: "LdU64 1\nRet", want: "operand stack holds 1"},
		{name: "unavailable local", code: "MoveLoc 0\nPop\nMoveLoc 0\nPop\nRet", want: "unavailable local 0"},
		{name: "read of a value", code: "CopyLoc 0\nReadRef\nPop\nRet", want: "expected a reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := expectCode(t, "[[functions]]\nname = \"f\"\nparams = [\"u64\"]\ncode = \"\"\"\n"+tt.code+"\n\"\"\"\n",
				"f", status.VerifierInternalError, -1)
			if !strings.Contains(se.Message, tt.want) {
				t.Fatalf("message %q does not contain %q", se.Message, tt.want)
			}
		})
	}
}

func TestJoinOfReferenceAndValueIsInternal(t *testing.T) {
	src := `
[[functions]]
name = "f"
params = ["u64"]
locals = ["&u64"]
code = """
    LdTrue
    BrFalse other
    ImmBorrowLoc 0
    StLoc 1
    Branch done
other:
    LdU64 1
    StLoc 1
done:
    Ret
"""
`
	se := expectCode(t, src, "f", status.VerifierInternalError, -1)
	if !strings.Contains(se.Message, "local 1 joins") {
		t.Fatalf("message %q does not mention the mismatched local", se.Message)
	}
}

// callerModule assembles touch and a caller f holding a borrow of R across
// the call, then redirects the call to a second handle for touch.
func callerModule(t *testing.T, retarget func(m *bytecode.Module, touch bytecode.FunctionHandle) bytecode.FunctionHandle) (*bytecode.Module, bytecode.FunctionDefinitionIndex) {
	t.Helper()
	m, err := asm.AssembleString(module(`
[[functions]]
name = "touch"
params = ["address"]
acquires = ["R"]
code = """
MoveLoc 0
ImmBorrowGlobal R
Pop
Ret
"""

[[functions]]
name = "f"
params = ["address"]
acquires = ["R"]
code = """
CopyLoc 0
ImmBorrowGlobal R
CopyLoc 0
Call touch
Pop
Ret
"""
`))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	f := findFunction(t, m, "f")
	touch := m.FunctionHandles[m.FunctionDefs[findFunction(t, m, "touch")].Function]
	m.FunctionHandles = append(m.FunctionHandles, retarget(m, touch))
	m.FunctionDefs[f].Code.Code[3].Index = uint16(len(m.FunctionHandles) - 1)
	return m, f
}

func TestAcquiresThroughDuplicateHandle(t *testing.T) {
	verify := func(m *bytecode.Module, f bytecode.FunctionDefinitionIndex) error {
		view, err := bytecode.NewFunctionView(m, f)
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		names, err := refsafety.NameDefMap(m)
		if err != nil {
			t.Fatalf("names: %v", err)
		}
		return refsafety.Verify(m, view, names)
	}

	m, f := callerModule(t, func(_ *bytecode.Module, h bytecode.FunctionHandle) bytecode.FunctionHandle { return h })
	if code := status.CodeOf(verify(m, f)); code != status.GlobalReferenceError {
		t.Fatalf("identical handle: code = %s, want %s", code, status.GlobalReferenceError)
	}

	m, f = callerModule(t, func(m *bytecode.Module, h bytecode.FunctionHandle) bytecode.FunctionHandle {
		m.Signatures = append(m.Signatures, bytecode.Signature{bytecode.U64})
		h.Return = bytecode.SignatureIndex(len(m.Signatures) - 1)
		return h
	})
	if code := status.CodeOf(verify(m, f)); code != status.VerifierInvariantViolation {
		t.Fatalf("mismatched handle: code = %s, want %s", code, status.VerifierInvariantViolation)
	}
}
