package driver

import (
	"runtime"

	"refsafe/internal/diag"
	"refsafe/internal/observ"
)

// Options configures VerifyModule and VerifyFiles. The zero value verifies
// with GOMAXPROCS workers, no cache and no limits.
type Options struct {
	// Jobs bounds the number of functions verified concurrently.
	Jobs int
	// FailFast stops scheduling functions of a module after its first failure.
	FailFast bool
	// MaxBlockVisits bounds the fixpoint of each function; 0 is unlimited.
	MaxBlockVisits int
	// MaxDiagnostics caps each module's Bag; 0 is unlimited.
	MaxDiagnostics int

	Cache    *Cache
	Sink     Sink
	Reporter diag.Reporter
	Timer    *observ.Timer
}

func (o Options) jobs() int {
	if o.Jobs > 0 {
		return o.Jobs
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) emit(ev Event) {
	if o.Sink != nil {
		o.Sink.OnEvent(ev)
	}
}
