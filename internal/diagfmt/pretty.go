package diagfmt

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
)

type palette struct {
	err, warn, bug, code, loc, marker, note *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		err:    color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		bug:    color.New(color.FgHiRed, color.Bold, color.Underline),
		code:   color.New(color.FgMagenta),
		loc:    color.New(color.Bold),
		marker: color.New(color.FgRed),
		note:   color.New(color.FgBlue),
	}
	for _, c := range []*color.Color{p.err, p.warn, p.bug, p.code, p.loc, p.marker, p.note} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) severity(s diag.Severity) *color.Color {
	switch s {
	case diag.SevBug:
		return p.bug
	case diag.SevWarning:
		return p.warn
	}
	return p.err
}

// Pretty renders the bag, expected to be sorted, one diagnostic per block:
//
//	ERROR R1003 [dangling reference] Bank::withdraw@4: local 0 is borrowed
//	        2: MutBorrowLoc 0
//	    --> 4: MoveLoc 0
//	  note: Bank::withdraw@2: conflicting borrow created here
func Pretty(w io.Writer, bag *diag.Bag, opts PrettyOpts) error {
	p := newPalette(opts.Color)
	for _, d := range bag.Items() {
		if _, err := fmt.Fprintf(w, "%s %s [%s] %s: %s\n",
			p.severity(d.Severity).Sprint(d.Severity),
			p.code.Sprint(d.Code.ID()),
			d.Code.Category(),
			p.loc.Sprint(d.Location),
			d.Message); err != nil {
			return err
		}
		if err := writeListing(w, p, d.Location, opts); err != nil {
			return err
		}
		if !opts.ShowNotes {
			continue
		}
		for _, n := range d.Notes {
			if _, err := fmt.Fprintf(w, "  %s %s: %s\n", p.note.Sprint("note:"), n.Location, n.Msg); err != nil {
				return err
			}
		}
	}
	if n := bag.Dropped(); n > 0 {
		if _, err := fmt.Fprintf(w, "... %d more diagnostics not shown\n", n); err != nil {
			return err
		}
	}
	return nil
}

func writeListing(w io.Writer, p palette, loc diag.Location, opts PrettyOpts) error {
	if opts.Context < 0 || loc.Offset == diag.NoOffset {
		return nil
	}
	m := opts.Modules[loc.Module]
	code := functionCode(m, loc.Function)
	if loc.Offset >= len(code) {
		return nil
	}
	lo := max(loc.Offset-opts.Context, 0)
	hi := min(loc.Offset+opts.Context, len(code)-1)
	for off := lo; off <= hi; off++ {
		prefix := "       "
		if off == loc.Offset {
			prefix = p.marker.Sprint("    -->")
		}
		if _, err := fmt.Fprintf(w, "%s %d: %s\n", prefix, off, asm.Instr(m, code[off])); err != nil {
			return err
		}
	}
	return nil
}

func functionCode(m *bytecode.Module, name string) []bytecode.Instr {
	if m == nil {
		return nil
	}
	for i := range m.FunctionDefs {
		if m.FunctionName(bytecode.FunctionDefinitionIndex(i)) == name {
			return m.FunctionDefs[i].Code.Code
		}
	}
	return nil
}
