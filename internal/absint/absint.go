// Package absint runs forward dataflow analyses to a fixpoint over the
// control-flow graph of one function.
//
// The driver keeps one pre-state per reached block. A block is executed from
// a copy of its pre-state; the resulting post-state is joined into the
// pre-state of every successor, and a successor is scheduled again only if
// the join changed it. Pending blocks are taken lowest reverse-postorder
// position first, so loop bodies settle before the code after them.
package absint

import (
	"container/heap"
	"errors"
	"fmt"

	"refsafe/internal/bytecode"
)

// JoinResult tells whether a join changed the receiving state.
type JoinResult uint8

const (
	Unchanged JoinResult = iota
	Changed
)

func (r JoinResult) String() string {
	if r == Changed {
		return "changed"
	}
	return "unchanged"
}

// Domain is an abstract state. Join merges other into the receiver.
type Domain[S any] interface {
	Clone() S
	Join(other S) (JoinResult, error)
}

// Transfer executes one instruction on a state in place. last is the offset
// of the final instruction of the current block.
type Transfer[S any] interface {
	Execute(state S, instr bytecode.Instr, offset, last bytecode.CodeOffset) error
}

// TransferFunc adapts a function to Transfer.
type TransferFunc[S any] func(state S, instr bytecode.Instr, offset, last bytecode.CodeOffset) error

func (f TransferFunc[S]) Execute(state S, instr bytecode.Instr, offset, last bytecode.CodeOffset) error {
	return f(state, instr, offset, last)
}

// Stats counts the work done to reach the fixpoint.
type Stats struct {
	BlockVisits   int
	Instructions  int
	Joins         int
	ChangedJoins  int
	BackEdgeJoins int
}

// Result is the outcome of a successful analysis.
type Result[S any] struct {
	Stats Stats
	// Pre holds the stable pre-state of every block reached from the entry.
	Pre map[bytecode.BlockID]S
}

// ErrNoFixpoint is returned when the visit limit is exhausted.
var ErrNoFixpoint = errors.New("absint: no fixpoint within visit limit")

type options struct {
	maxVisits int
	onBlock   func(bytecode.BlockID)
}

// Option tunes Analyze.
type Option func(*options)

// WithMaxVisits caps the number of block executions. Zero means no cap.
func WithMaxVisits(n int) Option {
	return func(o *options) { o.maxVisits = n }
}

// WithBlockHook calls fn before each block execution.
func WithBlockHook(fn func(bytecode.BlockID)) Option {
	return func(o *options) { o.onBlock = fn }
}

// Analyze runs tr over cfg starting from initial at the entry block.
// The first transfer or join error aborts the analysis.
func Analyze[S Domain[S]](cfg *bytecode.ControlFlowGraph, code []bytecode.Instr, initial S, tr Transfer[S], opts ...Option) (*Result[S], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res := &Result[S]{Pre: make(map[bytecode.BlockID]S)}
	if len(code) == 0 {
		return res, nil
	}
	res.Pre[bytecode.EntryBlock] = initial

	wl := newWorklist(cfg)
	wl.push(bytecode.EntryBlock)
	for wl.Len() > 0 {
		block := wl.pop()
		if o.maxVisits > 0 && res.Stats.BlockVisits >= o.maxVisits {
			return res, fmt.Errorf("%w (%d visits)", ErrNoFixpoint, res.Stats.BlockVisits)
		}
		if o.onBlock != nil {
			o.onBlock(block)
		}
		res.Stats.BlockVisits++

		state := res.Pre[block].Clone()
		last := cfg.BlockEnd(block)
		for pc := block; ; pc++ {
			res.Stats.Instructions++
			if err := tr.Execute(state, code[pc], pc, last); err != nil {
				return res, err
			}
			if pc == last {
				break
			}
		}

		for _, succ := range cfg.Successors(block) {
			pre, seen := res.Pre[succ]
			if !seen {
				res.Pre[succ] = state.Clone()
				wl.push(succ)
				continue
			}
			res.Stats.Joins++
			if cfg.IsBackEdge(block, succ) {
				res.Stats.BackEdgeJoins++
			}
			changed, err := pre.Join(state)
			if err != nil {
				return res, err
			}
			if changed == Changed {
				res.Stats.ChangedJoins++
				wl.push(succ)
			}
		}
	}
	return res, nil
}

// worklist is a set of blocks ordered by reverse-postorder position.
type worklist struct {
	cfg     *bytecode.ControlFlowGraph
	items   []bytecode.BlockID
	pending map[bytecode.BlockID]bool
}

func newWorklist(cfg *bytecode.ControlFlowGraph) *worklist {
	return &worklist{cfg: cfg, pending: make(map[bytecode.BlockID]bool)}
}

func (w *worklist) push(b bytecode.BlockID) {
	if w.pending[b] {
		return
	}
	w.pending[b] = true
	heap.Push(w, b)
}

func (w *worklist) pop() bytecode.BlockID {
	b := heap.Pop(w).(bytecode.BlockID)
	delete(w.pending, b)
	return b
}

func (w *worklist) Len() int { return len(w.items) }
func (w *worklist) Less(i, j int) bool {
	return w.cfg.Position(w.items[i]) < w.cfg.Position(w.items[j])
}
func (w *worklist) Swap(i, j int) { w.items[i], w.items[j] = w.items[j], w.items[i] }
func (w *worklist) Push(x any)    { w.items = append(w.items, x.(bytecode.BlockID)) }
func (w *worklist) Pop() any {
	n := len(w.items)
	b := w.items[n-1]
	w.items = w.items[:n-1]
	return b
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.BlockVisits += o.BlockVisits
	s.Instructions += o.Instructions
	s.Joins += o.Joins
	s.ChangedJoins += o.ChangedJoins
	s.BackEdgeJoins += o.BackEdgeJoins
}
