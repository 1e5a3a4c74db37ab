package diag

import "refsafe/internal/status"

// Severity ranks a diagnostic. Verification failures are errors, functions
// left unchecked are warnings and verifier bugs rank above both.
type Severity uint8

const (
	SevWarning Severity = iota
	SevError
	SevBug
)

func (s Severity) String() string {
	switch s {
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case SevBug:
		return "BUG"
	}
	return "UNKNOWN"
}

// severityOf picks the severity a status code is reported with.
func severityOf(c status.Code) Severity {
	switch c.Category() {
	case status.CategoryInternal:
		return SevBug
	case status.CategoryNotVerified:
		return SevWarning
	}
	return SevError
}
