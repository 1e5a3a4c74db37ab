package diagfmt

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/status"
)

const src = `
name = "Bank"
[[functions]]
name = "f"
params = ["u64"]
locals = ["&mut u64"]
code = """
    MutBorrowLoc 0
    StLoc 1
    MoveLoc 0
    Pop
    Ret
"""
`

func sampleBag(t *testing.T) (*diag.Bag, *bytecode.Module) {
	t.Helper()
	m, err := asm.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	bag := diag.NewBag(0)
	bag.Add(diag.FromStatus(m, status.New(status.MoveLocExistsBorrow).AtCodeOffset(0, 2).WithRelated(0)))
	return bag, m
}

func TestPrettyShowsListingAndNotes(t *testing.T) {
	bag, m := sampleBag(t)
	var buf bytes.Buffer
	err := Pretty(&buf, bag, PrettyOpts{
		Context:   1,
		ShowNotes: true,
		Modules:   map[string]*bytecode.Module{"Bank": m},
	})
	if err != nil {
		t.Fatalf("Pretty: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"ERROR R1003 [dangling reference] Bank::f@2",
		"1: StLoc 1",
		"--> 2: MoveLoc 0",
		"3: Pop",
		"note: Bank::f@0: conflicting borrow created here",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colors emitted with Color=false:\n%s", out)
	}
	if strings.Contains(out, "0: MutBorrowLoc") {
		t.Fatalf("context exceeded:\n%s", out)
	}
}

func TestJSONOutput(t *testing.T) {
	bag, _ := sampleBag(t)
	var buf bytes.Buffer
	if err := JSON(&buf, bag, JSONOpts{IncludeNotes: true}); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var out DiagnosticsOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("count = %d", out.Count)
	}
	d := out.Diagnostics[0]
	if d.Code != "R1003" || d.Name != "MOVELOC_EXISTS_BORROW_ERROR" || d.Location.Function != "f" {
		t.Fatalf("diagnostic = %+v", d)
	}
	if d.Location.Offset == nil || *d.Location.Offset != 2 {
		t.Fatalf("offset = %v", d.Location.Offset)
	}
	if len(d.Notes) != 1 {
		t.Fatalf("notes = %+v", d.Notes)
	}
}

func TestJSONMaxCountsDropped(t *testing.T) {
	bag, _ := sampleBag(t)
	bag.Add(diag.NewError(status.CopyMutRef, diag.Location{Module: "Bank", Offset: diag.NoOffset}, "x"))
	out := BuildDiagnosticsOutput(bag, JSONOpts{Max: 1})
	if out.Count != 1 || out.Dropped != 1 {
		t.Fatalf("count=%d dropped=%d", out.Count, out.Dropped)
	}
	if out.Diagnostics[0].Location.Offset == nil {
		t.Fatalf("instruction diagnostic lost its offset")
	}
}
