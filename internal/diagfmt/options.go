package diagfmt

import "refsafe/internal/bytecode"

// PrettyOpts configures pretty-printing of diagnostics.
type PrettyOpts struct {
	Color     bool
	Context   int // instructions shown on each side of the offending one
	ShowNotes bool
	// Modules, keyed by module name, supplies the code shown under each
	// diagnostic. Diagnostics of modules not present get no code listing.
	Modules map[string]*bytecode.Module
}

// JSONOpts configures JSON output of diagnostics.
type JSONOpts struct {
	Max          int // truncates output, not the Bag
	IncludeNotes bool
}
