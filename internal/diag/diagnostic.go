package diag

import (
	"fmt"

	"refsafe/internal/bytecode"
	"refsafe/internal/status"
)

// NoOffset marks a location that is not an instruction.
const NoOffset = status.NoOffset

// Location identifies an instruction of a module, or a whole function when
// Offset is NoOffset, or the module itself when Function is empty.
type Location struct {
	Module   string
	Function string
	Offset   int
}

func (l Location) String() string {
	s := l.Module
	if l.Function != "" {
		if s != "" {
			s += "::"
		}
		s += l.Function
	}
	if l.Offset != NoOffset {
		s += fmt.Sprintf("@%d", l.Offset)
	}
	return s
}

type Note struct {
	Location Location
	Msg      string
}

type Diagnostic struct {
	Severity Severity
	Code     status.Code
	Message  string
	Location Location
	Notes    []Note
}

func New(sev Severity, code status.Code, loc Location, msg string) Diagnostic {
	return Diagnostic{Severity: sev, Code: code, Location: loc, Message: msg}
}

func NewError(code status.Code, loc Location, msg string) Diagnostic {
	return New(SevError, code, loc, msg)
}

func (d Diagnostic) WithNote(loc Location, msg string) Diagnostic {
	d.Notes = append(d.Notes, Note{Location: loc, Msg: msg})
	return d
}

// FromStatus converts a verifier error found in module m. Errors that carry
// no *status.Error become module-level diagnostics with code Unknown.
func FromStatus(m *bytecode.Module, err error) Diagnostic {
	var module string
	if m != nil {
		module = m.Name()
	}
	se, ok := status.As(err)
	if !ok {
		return NewError(status.Unknown, Location{Module: module, Offset: NoOffset}, errorText(err))
	}

	loc := Location{Module: module, Offset: se.Offset}
	if se.Function != status.NoOffset {
		loc.Function = functionName(m, se.Function)
	}
	msg := se.Message
	if msg == "" {
		msg = se.Category().String()
	}
	d := New(severityOf(se.Code), se.Code, loc, msg)
	for _, off := range se.Related {
		rel := loc
		rel.Offset = off
		d = d.WithNote(rel, "conflicting borrow created here")
	}
	return d
}

// NotVerified reports function fn of module as left unchecked.
func NotVerified(module, fn string) Diagnostic {
	return New(SevWarning, status.FunctionNotVerified, Location{Module: module, Function: fn, Offset: NoOffset},
		"not verified: stopped after an earlier failure")
}

func functionName(m *bytecode.Module, idx int) string {
	if m == nil || idx < 0 || idx >= len(m.FunctionDefs) {
		return fmt.Sprintf("#%d", idx)
	}
	return m.FunctionName(bytecode.FunctionDefinitionIndex(idx))
}

func errorText(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
