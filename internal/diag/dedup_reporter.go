package diag

import (
	"sync"

	"refsafe/internal/status"
)

type dedupKey struct {
	code status.Code
	sev  Severity
	loc  Location
	msg  string
}

// DedupReporter forwards each distinct diagnostic once. A module verified
// twice (e.g. named on the command line twice) reports once.
type DedupReporter struct {
	mu   sync.Mutex
	next Reporter
	seen map[dedupKey]struct{}
}

func NewDedupReporter(next Reporter) *DedupReporter {
	return &DedupReporter{next: next, seen: make(map[dedupKey]struct{})}
}

func (r *DedupReporter) Report(d Diagnostic) {
	if r == nil {
		return
	}
	key := dedupKey{code: d.Code, sev: d.Severity, loc: d.Location, msg: d.Message}
	r.mu.Lock()
	_, dup := r.seen[key]
	r.seen[key] = struct{}{}
	r.mu.Unlock()
	if !dup && r.next != nil {
		r.next.Report(d)
	}
}
