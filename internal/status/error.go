package status

import (
	"errors"
	"fmt"
	"strings"
)

// NoOffset marks an error that is not tied to an instruction.
const NoOffset = -1

// Error is the structured failure produced by the verifier.
// Function and Offset locate the violating instruction; Offset is NoOffset
// when the failure concerns the function or module as a whole.
type Error struct {
	Code     Code
	Function int
	Offset   int
	Message  string
	// Related lists offsets of instructions that created conflicting borrows.
	Related []int
}

// New creates an error with no location attached.
func New(code Code) *Error {
	return &Error{Code: code, Function: NoOffset, Offset: NoOffset}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	e := New(code)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// AtCodeOffset locates the error at instruction offset of function.
func (e *Error) AtCodeOffset(function, offset int) *Error {
	if e == nil {
		return nil
	}
	e.Function = function
	e.Offset = offset
	return e
}

// WithMessage replaces the human readable message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	if e == nil {
		return nil
	}
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithRelated appends offsets of conflicting borrow sites.
func (e *Error) WithRelated(offsets ...int) *Error {
	if e == nil {
		return nil
	}
	e.Related = append(e.Related, offsets...)
	return e
}

// Category is shorthand for e.Code.Category().
func (e *Error) Category() Category {
	if e == nil {
		return CategoryUnknown
	}
	return e.Code.Category()
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(e.Code.String())
	if e.Function != NoOffset {
		fmt.Fprintf(&sb, " in function #%d", e.Function)
	}
	if e.Offset != NoOffset {
		fmt.Fprintf(&sb, " at offset %d", e.Offset)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Is matches errors by code so callers can test with errors.Is(err, status.New(code)).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the status code from err, or Unknown.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) && se != nil {
		return se.Code
	}
	return Unknown
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) && se != nil {
		return se, true
	}
	return nil, false
}

// Internal reports a verifier bug detected at the given location.
func Internal(function, offset int, format string, args ...any) *Error {
	return Newf(VerifierInternalError, format, args...).AtCodeOffset(function, offset)
}
