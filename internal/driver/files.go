package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/status"
	"refsafe/internal/trace"
)

// VerifyFiles loads and verifies each module file in order. Modules whose
// digest is in opts.Cache are not verified again. A module that fails to
// load yields a result with Err set; the returned error is reserved for
// cancellation of ctx.
func VerifyFiles(ctx context.Context, paths []string, opts Options) ([]*ModuleResult, error) {
	ctx, span := trace.StartSpan(ctx, trace.ScopeDriver, "verify")
	defer span.End(fmt.Sprintf("%d modules", len(paths)))

	for _, p := range paths {
		opts.emit(Event{Module: p, Stage: StageLoad, Status: StatusQueued})
	}
	results := make([]*ModuleResult, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := verifyFile(ctx, p, opts)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func verifyFile(ctx context.Context, path string, opts Options) (*ModuleResult, error) {
	start := time.Now()
	opts.emit(Event{Module: path, Stage: StageLoad, Status: StatusWorking})

	var phase int
	if opts.Timer != nil {
		phase = opts.Timer.Begin("load " + filepath.Base(path))
	}
	m, err := LoadModule(path)
	var digest bytecode.Digest
	if err == nil {
		digest, err = bytecode.DigestOf(m)
	}
	if opts.Timer != nil {
		opts.Timer.End(phase, "")
	}
	if err != nil {
		res := loadFailure(path, err, opts)
		opts.emit(Event{Module: path, Stage: StageLoad, Status: StatusError, Err: err, Elapsed: time.Since(start)})
		return res, nil
	}

	opts.emit(Event{Module: path, Stage: StageVerify, Status: StatusWorking})
	key := cacheKey(digest, opts)
	var res *ModuleResult
	if opts.Cache != nil {
		if e, ok := opts.Cache.get(key); ok {
			res, _ = e.restore(m, opts)
		}
	}
	if res == nil {
		res, err = VerifyModule(ctx, m, withProgressModule(opts, path))
		if err != nil {
			return nil, err
		}
		if opts.Cache != nil && res.Err == nil && !res.Stopped() {
			// A cache write failure costs only a re-verification next run.
			_ = opts.Cache.put(key, newCacheEntry(res))
		}
	}
	res.Path = path
	res.Digest = digest
	res.Elapsed = time.Since(start)

	if opts.Timer != nil {
		note := fmt.Sprintf("%d functions", len(res.Functions))
		if res.Cached {
			note = "cached"
		}
		opts.Timer.Add("verify "+res.Name, res.Elapsed, note)
	}
	ev := Event{Module: path, Stage: StageVerify, Status: StatusDone, Elapsed: res.Elapsed}
	switch {
	case !res.OK():
		ev.Status = StatusError
		ev.Err = fmt.Errorf("%s: %d of %d functions failed", res.Name, res.Count(OutcomeFailed), len(res.Functions))
	case res.Cached:
		ev.Status = StatusCached
	}
	opts.emit(ev)
	return res, nil
}

// withProgressModule rewrites VerifyModule's per-function events to carry
// the file path, which is how VerifyFiles' listeners know the module.
func withProgressModule(opts Options, path string) Options {
	if opts.Sink == nil {
		return opts
	}
	inner := opts.Sink
	opts.Sink = SinkFunc(func(ev Event) {
		ev.Module = path
		inner.OnEvent(ev)
	})
	return opts
}

func loadFailure(path string, err error, opts Options) *ModuleResult {
	d := diag.FromStatus(nil, err)
	if d.Code == status.Unknown {
		d.Code = status.MalformedModule
	}
	d.Location.Module = filepath.Base(path)
	res := &ModuleResult{Path: path, Name: filepath.Base(path), Bag: diag.NewBag(opts.MaxDiagnostics), Err: err}
	res.Bag.Add(d)
	if opts.Reporter != nil {
		opts.Reporter.Report(d)
	}
	return res
}
