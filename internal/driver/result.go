package driver

import (
	"time"

	"refsafe/internal/absint"
	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
)

// Outcome is what happened to one function definition.
type Outcome uint8

const (
	OutcomeSkipped Outcome = iota // not verified: FailFast stopped the module
	OutcomeVerified
	OutcomeFailed
	OutcomeNative // no code to verify
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeNative:
		return "native"
	default:
		return "skipped"
	}
}

// FunctionResult is the verification record of one function definition.
type FunctionResult struct {
	Index   bytecode.FunctionDefinitionIndex
	Name    string
	Outcome Outcome
	Err     error
	Elapsed time.Duration
	Stats   absint.Stats
}

// ModuleResult is the verification record of one module.
type ModuleResult struct {
	Path      string
	Name      string
	Digest    bytecode.Digest
	Module    *bytecode.Module
	Functions []FunctionResult
	Bag       *diag.Bag
	Stats     absint.Stats
	Elapsed   time.Duration
	// Cached is set when Functions were restored from the cache.
	Cached bool
	// Err is set when the module could not be loaded or indexed; Bag then
	// holds a single module-level diagnostic.
	Err error
}

// OK reports whether the module loaded and every function verified.
func (r *ModuleResult) OK() bool {
	if r.Err != nil {
		return false
	}
	for i := range r.Functions {
		switch r.Functions[i].Outcome {
		case OutcomeFailed, OutcomeSkipped:
			return false
		}
	}
	return true
}

// Stopped reports whether FailFast left functions unverified.
func (r *ModuleResult) Stopped() bool {
	for i := range r.Functions {
		if r.Functions[i].Outcome == OutcomeSkipped {
			return true
		}
	}
	return false
}

// Count returns how many functions ended with outcome o.
func (r *ModuleResult) Count(o Outcome) int {
	n := 0
	for i := range r.Functions {
		if r.Functions[i].Outcome == o {
			n++
		}
	}
	return n
}

// collect sums stats and turns failed and skipped functions into
// diagnostics, in definition order.
func (r *ModuleResult) collect(opts Options) {
	r.Stats = absint.Stats{}
	for i := range r.Functions {
		fr := &r.Functions[i]
		r.Stats.Add(fr.Stats)
		var d diag.Diagnostic
		switch fr.Outcome {
		case OutcomeFailed:
			d = diag.FromStatus(r.Module, fr.Err)
		case OutcomeSkipped:
			d = diag.NotVerified(r.Name, fr.Name)
		default:
			continue
		}
		r.Bag.Add(d)
		if opts.Reporter != nil {
			opts.Reporter.Report(d)
		}
	}
}
