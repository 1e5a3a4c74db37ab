// Package diag defines the diagnostic model the verifier reports through.
//
// A Diagnostic is located by module, function and code offset rather than by
// a source span: the verifier works on compiled bytecode. Notes point at the
// instructions that created the conflicting borrows.
//
// Producers emit through a Reporter; BagReporter collects into a Bag, which
// supports a limit, deterministic sorting, deduplication and merging.
// Rendering lives in internal/diagfmt.
package diag
