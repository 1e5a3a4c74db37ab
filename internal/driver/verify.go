package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"fortio.org/safecast"
	"golang.org/x/sync/errgroup"

	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/refsafety"
	"refsafe/internal/status"
	"refsafe/internal/trace"
)

// errStopped cancels the errgroup when FailFast sees a failure.
var errStopped = errors.New("driver: stopped after first failure")

// VerifyModule verifies every function definition of m that has code, in
// parallel. Verification failures are reported in the result, not as the
// returned error, which is reserved for cancellation of ctx.
func VerifyModule(ctx context.Context, m *bytecode.Module, opts Options) (*ModuleResult, error) {
	start := time.Now()
	res := &ModuleResult{
		Name:      m.Name(),
		Module:    m,
		Functions: make([]FunctionResult, len(m.FunctionDefs)),
		Bag:       diag.NewBag(opts.MaxDiagnostics),
	}
	ctx, span := trace.StartSpan(ctx, trace.ScopeModule, "module:"+res.Name)
	defer func() {
		span.WithExtra("functions", strconv.Itoa(len(res.Functions))).
			WithExtra("failed", strconv.Itoa(res.Count(OutcomeFailed))).
			End("")
	}()

	names, err := refsafety.NameDefMap(m)
	if err != nil {
		res.Err = err
		res.Bag.Add(diag.FromStatus(m, err))
		res.Elapsed = time.Since(start)
		return res, nil
	}

	total := 0
	for i := range m.FunctionDefs {
		idx, err := safecast.Conv[uint16](i)
		if err != nil {
			res.Err = status.Newf(status.IndexOutOfBounds, "function definition %d: %v", i, err)
			res.Bag.Add(diag.FromStatus(m, res.Err))
			res.Elapsed = time.Since(start)
			return res, nil
		}
		def := bytecode.FunctionDefinitionIndex(idx)
		res.Functions[i] = FunctionResult{Index: def, Name: m.FunctionName(def)}
		if m.FunctionDefs[i].IsNative() {
			res.Functions[i].Outcome = OutcomeNative
			continue
		}
		total++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.jobs())
	var done atomic.Int64
	for i := range res.Functions {
		if res.Functions[i].Outcome == OutcomeNative {
			continue
		}
		i := i // per-iteration copy; the go directive predates Go 1.22 loop semantics
		// Each goroutine writes only its own slot of res.Functions.
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res.Functions[i] = verifyFunction(gctx, m, names, res.Functions[i].Index, opts)
			opts.emit(Event{
				Module: res.Name,
				Stage:  StageVerify,
				Status: StatusWorking,
				Done:   int(done.Add(1)),
				Total:  total,
			})
			if opts.FailFast && res.Functions[i].Outcome == OutcomeFailed {
				return errStopped
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.collect(opts)
	res.Elapsed = time.Since(start)
	return res, nil
}

func verifyFunction(
	ctx context.Context,
	m *bytecode.Module,
	names map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex,
	idx bytecode.FunctionDefinitionIndex,
	opts Options,
) FunctionResult {
	fr := FunctionResult{Index: idx, Name: m.FunctionName(idx)}
	tr := trace.FromContext(ctx)
	span := trace.Begin(tr, trace.ScopeFunction, "fn:"+fr.Name, trace.ParentFromContext(ctx))
	start := time.Now()

	view, err := bytecode.NewFunctionView(m, idx)
	if err == nil {
		vopts := refsafety.Options{MaxBlockVisits: opts.MaxBlockVisits}
		if tr.Level().ShouldEmit(trace.ScopeBlock) {
			parent := span.ID()
			vopts.OnBlock = func(b bytecode.BlockID) {
				trace.Point(tr, trace.ScopeBlock, "block", strconv.Itoa(int(b)), parent)
			}
		}
		fr.Stats, err = refsafety.VerifyWithStats(m, view, names, vopts)
	}
	fr.Elapsed = time.Since(start)
	fr.Outcome = OutcomeVerified
	if err != nil {
		fr.Outcome = OutcomeFailed
		fr.Err = locate(err, idx)
	}

	span.WithExtra("visits", strconv.Itoa(fr.Stats.BlockVisits)).
		WithExtra("joins", strconv.Itoa(fr.Stats.Joins)).
		End(fr.Outcome.String())
	return fr
}

// locate attaches the function to errors raised before the analysis knew it,
// e.g. by NewFunctionView.
func locate(err error, idx bytecode.FunctionDefinitionIndex) error {
	se, ok := status.As(err)
	if !ok {
		return fmt.Errorf("function #%d: %w", idx, err)
	}
	if se.Function == status.NoOffset {
		se.Function = int(idx)
	}
	return err
}
