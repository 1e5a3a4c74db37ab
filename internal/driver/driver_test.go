package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/observ"
	"refsafe/internal/status"
)

const bankSource = `
name = "Bank"

[[functions]]
name = "bad"
params = ["u64"]
locals = ["&mut u64"]
code = """
    MutBorrowLoc 0
    StLoc 1
    MoveLoc 0
    Pop
    Ret
"""

[[functions]]
name = "good"
params = ["u64"]
returns = ["u64"]
code = """
    MoveLoc 0
    Ret
"""

[[functions]]
name = "ext"
native = true
params = ["u64"]
`

func bank(t *testing.T) *bytecode.Module {
	t.Helper()
	m, err := asm.AssembleString(bankSource)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return m
}

func writeBank(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.toml")
	if err := os.WriteFile(path, []byte(bankSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestVerifyModuleRecordsOutcomes(t *testing.T) {
	res, err := VerifyModule(context.Background(), bank(t), Options{Jobs: 4})
	if err != nil {
		t.Fatalf("VerifyModule: %v", err)
	}
	want := []Outcome{OutcomeFailed, OutcomeVerified, OutcomeNative}
	for i, o := range want {
		if got := res.Functions[i].Outcome; got != o {
			t.Fatalf("%s: outcome %s, want %s", res.Functions[i].Name, got, o)
		}
	}
	if res.OK() || res.Stopped() {
		t.Fatalf("OK=%v Stopped=%v", res.OK(), res.Stopped())
	}
	if status.CodeOf(res.Functions[0].Err) != status.MoveLocExistsBorrow {
		t.Fatalf("bad: %v", res.Functions[0].Err)
	}
	if res.Bag.Len() != 1 {
		t.Fatalf("bag holds %d diagnostics", res.Bag.Len())
	}
	d := res.Bag.Items()[0]
	if d.Location.String() != "Bank::bad@2" {
		t.Fatalf("diagnostic at %s", d.Location)
	}
	if res.Stats.BlockVisits < 1 {
		t.Fatalf("stats not summed: %+v", res.Stats)
	}
}

func TestFailFastSkipsRemainingFunctions(t *testing.T) {
	res, err := VerifyModule(context.Background(), bank(t), Options{Jobs: 1, FailFast: true})
	if err != nil {
		t.Fatalf("VerifyModule: %v", err)
	}
	if res.Functions[1].Outcome != OutcomeSkipped || !res.Stopped() {
		t.Fatalf("good: %s, stopped=%v", res.Functions[1].Outcome, res.Stopped())
	}
	if res.Functions[2].Outcome != OutcomeNative {
		t.Fatalf("native function outcome %s", res.Functions[2].Outcome)
	}
	items := res.Bag.Items()
	if len(items) != 2 {
		t.Fatalf("bag holds %d diagnostics, want the failure and the skipped function", len(items))
	}
	if w := items[1]; w.Severity != diag.SevWarning || w.Code != status.FunctionNotVerified || w.Location.Function != "good" {
		t.Fatalf("skipped function diagnostic = %+v", w)
	}
}

func TestVerifyModuleHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := VerifyModule(ctx, bank(t), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestVerifyFilesUsesCache(t *testing.T) {
	path := writeBank(t)
	disk, err := OpenDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDiskCache: %v", err)
	}
	cache := NewCache(8, disk)
	opts := Options{Cache: cache}

	first, err := VerifyFiles(context.Background(), []string{path}, opts)
	if err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	if first[0].Cached {
		t.Fatalf("first run served from cache")
	}
	second, err := VerifyFiles(context.Background(), []string{path}, opts)
	if err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	if !second[0].Cached {
		t.Fatalf("second run not cached")
	}
	if second[0].Digest != first[0].Digest {
		t.Fatalf("digest changed between runs")
	}
	if hits, misses := cache.Stats(); hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}

	// A fresh in-memory layer still finds the entry on disk.
	third, err := VerifyFiles(context.Background(), []string{path}, Options{Cache: NewCache(8, disk)})
	if err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	r := third[0]
	if !r.Cached || r.Bag.Len() != 1 {
		t.Fatalf("cached=%v diagnostics=%d", r.Cached, r.Bag.Len())
	}
	se, ok := status.As(r.Functions[0].Err)
	if !ok || se.Code != status.MoveLocExistsBorrow || se.Offset != 2 || len(se.Related) != 1 {
		t.Fatalf("restored error = %v", r.Functions[0].Err)
	}
}

func TestCacheKeyDependsOnVisitLimit(t *testing.T) {
	var d bytecode.Digest
	if cacheKey(d, Options{}) == cacheKey(d, Options{MaxBlockVisits: 10}) {
		t.Fatalf("visit limit does not change the key")
	}
	if cacheKey(d, Options{Jobs: 1}) != cacheKey(d, Options{Jobs: 8}) {
		t.Fatalf("job count changes the key")
	}
}

func TestVerifyFilesLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.mvb")
	res, err := VerifyFiles(context.Background(), []string{path}, Options{})
	if err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	r := res[0]
	if r.Err == nil || r.OK() {
		t.Fatalf("missing file verified")
	}
	if r.Bag.Len() != 1 || r.Bag.Items()[0].Code != status.MalformedModule {
		t.Fatalf("diagnostics = %+v", r.Bag.Items())
	}
}

func TestVerifyFilesEmitsProgress(t *testing.T) {
	path := writeBank(t)
	var (
		mu     sync.Mutex
		events []Event
	)
	sink := SinkFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	timer := observ.NewTimer()
	if _, err := VerifyFiles(context.Background(), []string{path}, Options{Sink: sink, Timer: timer}); err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	if events[0].Status != StatusQueued {
		t.Fatalf("first event %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Status != StatusError || last.Module != path || last.Err == nil {
		t.Fatalf("last event %+v", last)
	}
	sawFunctions := false
	for _, ev := range events {
		if ev.Total == 2 && ev.Module == path {
			sawFunctions = true
		}
	}
	if !sawFunctions {
		t.Fatalf("no per-function progress in %+v", events)
	}
	if n := len(timer.Report().Phases); n != 2 {
		t.Fatalf("timer phases = %d, want load and verify", n)
	}
}

func TestModuleFormatRoundTrip(t *testing.T) {
	m := bank(t)
	path := filepath.Join(t.TempDir(), "bank.mvb")
	data, err := bytecode.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadModule(path)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if loaded.Name() != "Bank" || len(loaded.FunctionDefs) != 3 {
		t.Fatalf("loaded %s with %d functions", loaded.Name(), len(loaded.FunctionDefs))
	}
}
