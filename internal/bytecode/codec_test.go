package bytecode_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"refsafe/internal/bytecode"
	"refsafe/internal/status"
)

func sampleModule() *bytecode.Module {
	return &bytecode.Module{
		Version:          bytecode.FormatVersion,
		SelfModuleHandle: 0,
		ModuleHandles:    []bytecode.ModuleHandle{{Address: "0x1", Name: 0}},
		StructHandles:    []bytecode.StructHandle{{Module: 0, Name: 2, Key: true}},
		FunctionHandles: []bytecode.FunctionHandle{
			{Module: 0, Name: 1, Parameters: 1, Return: 0},
		},
		FieldHandles: []bytecode.FieldHandle{{Owner: 0, Field: 0}},
		Signatures: []bytecode.Signature{
			{},
			{bytecode.MutRefTo(bytecode.StructOf(0))},
		},
		Identifiers: []string{"M", "touch", "R", "value"},
		StructDefs: []bytecode.StructDefinition{{
			Handle: 0,
			Fields: []bytecode.FieldDefinition{{Name: 3, Type: bytecode.U64}},
		}},
		FunctionDefs: []bytecode.FunctionDefinition{{
			Function: 0,
			Acquires: []bytecode.StructDefinitionIndex{0},
			Code: &bytecode.CodeUnit{
				Locals: 0,
				Code: []bytecode.Instr{
					bytecode.WithIndex(bytecode.OpMoveLoc, 0),
					bytecode.WithIndex(bytecode.OpMutBorrowField, 0),
					bytecode.Simple(bytecode.OpPop),
					bytecode.Simple(bytecode.OpRet),
				},
			},
		}},
	}
}

func TestEncodeDecodePreservesModule(t *testing.T) {
	m := sampleModule()
	data, err := bytecode.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := bytecode.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name() != "M" || got.FunctionName(0) != "touch" || got.StructName(0) != "R" {
		t.Fatalf("names lost: %q %q %q", got.Name(), got.FunctionName(0), got.StructName(0))
	}
	sig, err := got.SignatureAt(1)
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if !sig.Equal(m.Signatures[1]) {
		t.Fatalf("signature changed: %v", sig)
	}
	if len(got.FunctionDefs[0].Code.Code) != 4 || got.FunctionDefs[0].Code.Code[1].Op != bytecode.OpMutBorrowField {
		t.Fatalf("code changed: %v", got.FunctionDefs[0].Code.Code)
	}
}

func TestDigestIsStable(t *testing.T) {
	a, err := bytecode.DigestOf(sampleModule())
	if err != nil {
		t.Fatal(err)
	}
	b, err := bytecode.DigestOf(sampleModule())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("digest differs between identical modules: %s vs %s", a, b)
	}
	m := sampleModule()
	m.Identifiers[1] = "other"
	c, err := bytecode.DigestOf(m)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatal("digest ignores identifier change")
	}
}

func TestDecodeRejectsForeignData(t *testing.T) {
	if _, err := bytecode.Decode(strings.NewReader("nope and more")); err == nil {
		t.Fatal("expected bad magic error")
	}
	m := sampleModule()
	m.Version = 99
	var buf bytes.Buffer
	if err := bytecode.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	if _, err := bytecode.Decode(&buf); err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestResolverOutOfBounds(t *testing.T) {
	m := sampleModule()
	_, err := m.StructDefAt(7)
	if !errors.Is(err, status.New(status.IndexOutOfBounds)) {
		t.Fatalf("want IndexOutOfBounds, got %v", err)
	}
}

func TestFunctionView(t *testing.T) {
	m := sampleModule()
	v, err := bytecode.NewFunctionView(m, 0)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.NumLocals() != 1 || !v.Parameters[0].IsMutableReference() {
		t.Fatalf("unexpected locals: params=%v locals=%v", v.Parameters, v.Locals)
	}
	if !v.Acquire(0) || v.Acquire(1) {
		t.Fatal("acquires set not projected")
	}
	if v.CFG.NumBlocks() != 1 {
		t.Fatalf("blocks = %d, want 1", v.CFG.NumBlocks())
	}

	m.FunctionDefs[0].Code.Code = m.FunctionDefs[0].Code.Code[:3]
	if _, err := bytecode.NewFunctionView(m, 0); status.CodeOf(err) != status.MalformedModule {
		t.Fatalf("fallthrough off the end should be malformed, got %v", err)
	}
}
