package absint_test

import (
	"errors"
	"testing"

	"refsafe/internal/absint"
	"refsafe/internal/bytecode"
)

// counter counts Nops seen along any path, saturating at limit.
type counter struct {
	n int
}

const limit = 3

func (c *counter) Clone() *counter { return &counter{n: c.n} }

func (c *counter) Join(o *counter) (absint.JoinResult, error) {
	if o.n > c.n {
		c.n = o.n
		return absint.Changed, nil
	}
	return absint.Unchanged, nil
}

func countNops(s *counter, in bytecode.Instr, _, _ bytecode.CodeOffset) error {
	if in.Op == bytecode.OpNop && s.n < limit {
		s.n++
	}
	return nil
}

func loop() []bytecode.Instr {
	return []bytecode.Instr{
		bytecode.Simple(bytecode.OpLdTrue),
		bytecode.Branch(bytecode.OpBrFalse, 4),
		bytecode.Simple(bytecode.OpNop),
		bytecode.Branch(bytecode.OpBranch, 0),
		bytecode.Simple(bytecode.OpRet),
	}
}

func TestAnalyzeConvergesOnLoop(t *testing.T) {
	code := loop()
	cfg := bytecode.NewControlFlowGraph(code)

	res, err := absint.Analyze(cfg, code, &counter{}, absint.TransferFunc[*counter](countNops))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := res.Pre[0].n; got != limit {
		t.Fatalf("loop head pre-state = %d, want %d", got, limit)
	}
	if got := res.Pre[4].n; got != limit {
		t.Fatalf("exit pre-state = %d, want %d", got, limit)
	}
	if res.Stats.BackEdgeJoins == 0 || res.Stats.ChangedJoins != 3*limit {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	// every block runs once per value the counter takes
	if res.Stats.BlockVisits > 3*(limit+1) {
		t.Fatalf("too many visits: %+v", res.Stats)
	}
}

func TestAnalyzeStableStateIsJoinFixpoint(t *testing.T) {
	code := loop()
	cfg := bytecode.NewControlFlowGraph(code)
	res, err := absint.Analyze(cfg, code, &counter{}, absint.TransferFunc[*counter](countNops))
	if err != nil {
		t.Fatal(err)
	}
	for block, pre := range res.Pre {
		again := pre.Clone()
		if r, _ := again.Join(pre); r != absint.Unchanged {
			t.Fatalf("block %d: join with itself changed the state", block)
		}
	}
}

func TestAnalyzeStopsAtFirstError(t *testing.T) {
	code := loop()
	cfg := bytecode.NewControlFlowGraph(code)
	boom := errors.New("boom")
	var seen []bytecode.CodeOffset
	tr := absint.TransferFunc[*counter](func(_ *counter, in bytecode.Instr, pc, _ bytecode.CodeOffset) error {
		seen = append(seen, pc)
		if in.Op == bytecode.OpNop {
			return boom
		}
		return nil
	})
	_, err := absint.Analyze(cfg, code, &counter{}, tr)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if seen[len(seen)-1] != 2 {
		t.Fatalf("analysis continued after error: %v", seen)
	}
}

func TestAnalyzeVisitLimit(t *testing.T) {
	code := loop()
	cfg := bytecode.NewControlFlowGraph(code)
	_, err := absint.Analyze(cfg, code, &counter{}, absint.TransferFunc[*counter](countNops), absint.WithMaxVisits(2))
	if !errors.Is(err, absint.ErrNoFixpoint) {
		t.Fatalf("err = %v, want ErrNoFixpoint", err)
	}
}

func TestAnalyzeSkipsUnreachableBlocks(t *testing.T) {
	code := []bytecode.Instr{
		bytecode.Simple(bytecode.OpRet),
		bytecode.Simple(bytecode.OpNop),
		bytecode.Simple(bytecode.OpRet),
	}
	cfg := bytecode.NewControlFlowGraph(code)
	var visited []bytecode.BlockID
	res, err := absint.Analyze(cfg, code, &counter{}, absint.TransferFunc[*counter](countNops),
		absint.WithBlockHook(func(b bytecode.BlockID) { visited = append(visited, b) }))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Pre) != 1 || len(visited) != 1 || visited[0] != 0 {
		t.Fatalf("visited %v, pre %v", visited, res.Pre)
	}
}
