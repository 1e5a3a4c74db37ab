// Package refsafety proves that the functions of a module never use a
// dangling reference, never hold two live references of which one is mutable
// into overlapping memory, and never let a reference to a local escape its
// frame.
//
// The analysis is an abstract interpretation over AbstractState, driven to a
// fixpoint by package absint. Each transfer function validates one
// instruction and updates the borrow graph; the first violation is returned as
// a *status.Error carrying the function and code offset.
package refsafety

import (
	"errors"
	"fmt"

	"refsafe/internal/absint"
	"refsafe/internal/borrowgraph"
	"refsafe/internal/bytecode"
	"refsafe/internal/status"
)

// Options tunes a verification run.
type Options struct {
	// MaxBlockVisits aborts the fixpoint after that many block executions.
	// Zero means no limit.
	MaxBlockVisits int
	// OnBlock, if set, is called before each block execution.
	OnBlock func(bytecode.BlockID)
}

// Verify checks the reference safety of the function described by view.
// names maps every function name of the module to its definition and is
// used to recover the acquires set of callees.
func Verify(r bytecode.Resolver, view *bytecode.FunctionView, names map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex) error {
	_, err := Analyze(r, view, names, Options{})
	return err
}

// VerifyWithStats is Verify that also reports the fixpoint statistics.
func VerifyWithStats(r bytecode.Resolver, view *bytecode.FunctionView, names map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex, opts Options) (absint.Stats, error) {
	res, err := Analyze(r, view, names, opts)
	if res == nil {
		return absint.Stats{}, err
	}
	return res.Stats, err
}

// Analyze runs the analysis and returns the stable pre-state of every reached
// block alongside any violation.
func Analyze(
	r bytecode.Resolver,
	view *bytecode.FunctionView,
	names map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex,
	opts Options,
) (res *absint.Result[*AbstractState], err error) {
	a := &analysis{resolver: r, view: view, names: names}
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		fn := int(view.Index)
		switch p := rec.(type) {
		case assertion:
			off := p.offset
			if off == status.NoOffset {
				off = int(a.offset)
			}
			err = status.Internal(fn, off, "%s", p.msg)
		case borrowgraph.InvariantError:
			err = status.Internal(fn, int(a.offset), "%s", p.Error())
		default:
			panic(rec)
		}
	}()

	var absOpts []absint.Option
	if opts.MaxBlockVisits > 0 {
		absOpts = append(absOpts, absint.WithMaxVisits(opts.MaxBlockVisits))
	}
	if opts.OnBlock != nil {
		absOpts = append(absOpts, absint.WithBlockHook(opts.OnBlock))
	}
	res, err = absint.Analyze(view.CFG, view.Code, NewAbstractState(view), absint.Transfer[*AbstractState](a), absOpts...)
	if errors.Is(err, absint.ErrNoFixpoint) {
		err = status.Internal(int(view.Index), status.NoOffset, "%v", err)
	}
	return res, err
}

// NameDefMap is bytecode.NameDefMap over a whole module.
func NameDefMap(m *bytecode.Module) (map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex, error) {
	names, err := bytecode.NameDefMap(m, len(m.FunctionDefs))
	if err != nil {
		return nil, fmt.Errorf("name map of module %s: %w", m.Name(), err)
	}
	return names, nil
}
