// Package trace records what the verifier is doing while it does it.
//
// Tracing is off by default. When enabled from the command line:
//
//	refsafe verify --trace=- --trace-level=detail bank.toml
//
// the driver opens a span per module and per function; at debug level each
// fixpoint block visit is also recorded as a point event.
//
// # Tracers
//
//   - Nop: disabled, zero cost
//   - StreamTracer: writes each event as it happens (text or NDJSON)
//   - RingTracer: keeps the last N events for a dump after an internal error
//   - MultiTracer: fans out to several tracers
//
// # Levels and scopes
//
// A level selects the coarsest scopes that are emitted:
//
//	LevelPhase   driver and module spans
//	LevelDetail  + function spans
//	LevelDebug   + block visits
//
// LevelError emits nothing on its own; the ring is dumped when the verifier
// reports a bug in itself.
//
// # Propagation
//
//	ctx = trace.WithTracer(ctx, t)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeModule, "module:Bank", 0)
//	defer span.End("")
package trace
