package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// BlockID is the offset of the first instruction of a basic block.
type BlockID = CodeOffset

// EntryBlock is the block every function starts in.
const EntryBlock BlockID = 0

type basicBlock struct {
	exit       CodeOffset
	successors []BlockID
}

// ControlFlowGraph partitions a code unit into basic blocks. A block starts
// at offset 0, at every branch target, and after every branching instruction.
type ControlFlowGraph struct {
	blocks    map[BlockID]*basicBlock
	order     []BlockID // ascending
	rpo       []BlockID // reachable blocks, reverse postorder
	rpoIndex  map[BlockID]int
	backEdges map[[2]BlockID]struct{}
}

// NewControlFlowGraph builds the graph for code. Branch targets are assumed
// to be in range; bounds checking belongs to an earlier pass.
func NewControlFlowGraph(code []Instr) *ControlFlowGraph {
	g := &ControlFlowGraph{
		blocks:    make(map[BlockID]*basicBlock),
		rpoIndex:  make(map[BlockID]int),
		backEdges: make(map[[2]BlockID]struct{}),
	}
	if len(code) == 0 {
		return g
	}
	n := CodeOffset(len(code)) //nolint:gosec // code units are bounded by the u16 offset space

	starts := map[CodeOffset]struct{}{EntryBlock: {}}
	for pc := CodeOffset(0); pc < n; pc++ {
		in := code[pc]
		if target, ok := in.Target(); ok {
			starts[target] = struct{}{}
		}
		if in.Op.IsBranch() && pc+1 < n {
			starts[pc+1] = struct{}{}
		}
	}

	entry := CodeOffset(0)
	for pc := CodeOffset(0); pc < n; pc++ {
		_, nextStarts := starts[pc+1]
		if pc+1 == n || nextStarts {
			g.blocks[entry] = &basicBlock{exit: pc, successors: successors(code, pc)}
			g.order = append(g.order, entry)
			entry = pc + 1
		}
	}
	g.computeOrder()
	return g
}

// successors lists the blocks control may reach after the instruction at pc,
// in ascending order.
func successors(code []Instr, pc CodeOffset) []BlockID {
	in := code[pc]
	var out []BlockID
	if target, ok := in.Target(); ok {
		out = append(out, target)
	}
	next := pc + 1
	if int(next) >= len(code) {
		return out
	}
	if !in.Op.IsUnconditionalBranch() && (len(out) == 0 || out[0] != next) {
		out = append(out, next)
	}
	if len(out) > 1 && out[0] > out[1] {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// computeOrder runs an iterative depth-first search from the entry block,
// recording reverse postorder and the edges that close a cycle.
func (g *ControlFlowGraph) computeOrder() {
	type frame struct {
		id   BlockID
		next int
	}
	const (
		unseen = iota
		onStack
		done
	)
	mark := make(map[BlockID]int, len(g.blocks))
	var post []BlockID
	stack := []frame{{id: EntryBlock}}
	mark[EntryBlock] = onStack
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := g.blocks[top.id].successors
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			switch mark[s] {
			case unseen:
				mark[s] = onStack
				stack = append(stack, frame{id: s})
			case onStack:
				g.backEdges[[2]BlockID{top.id, s}] = struct{}{}
			}
			continue
		}
		mark[top.id] = done
		post = append(post, top.id)
		stack = stack[:len(stack)-1]
	}
	g.rpo = make([]BlockID, len(post))
	for i, id := range post {
		pos := len(post) - 1 - i
		g.rpo[pos] = id
		g.rpoIndex[id] = pos
	}
}

// Blocks returns every block id in ascending order, reachable or not.
func (g *ControlFlowGraph) Blocks() []BlockID { return g.order }

// NumBlocks returns the number of basic blocks.
func (g *ControlFlowGraph) NumBlocks() int { return len(g.order) }

// BlockEnd returns the offset of the last instruction of block.
func (g *ControlFlowGraph) BlockEnd(block BlockID) CodeOffset {
	return g.mustBlock(block).exit
}

// Successors returns the successor blocks of block in ascending order.
func (g *ControlFlowGraph) Successors(block BlockID) []BlockID {
	return g.mustBlock(block).successors
}

// ReversePostorder returns the blocks reachable from the entry in reverse postorder.
func (g *ControlFlowGraph) ReversePostorder() []BlockID { return g.rpo }

// Position returns the reverse-postorder position of block, or -1 if unreachable.
func (g *ControlFlowGraph) Position(block BlockID) int {
	if pos, ok := g.rpoIndex[block]; ok {
		return pos
	}
	return -1
}

// IsBackEdge reports whether from -> to closes a loop.
func (g *ControlFlowGraph) IsBackEdge(from, to BlockID) bool {
	_, ok := g.backEdges[[2]BlockID{from, to}]
	return ok
}

// NumBackEdges returns how many loop-closing edges the graph has.
func (g *ControlFlowGraph) NumBackEdges() int { return len(g.backEdges) }

// NumEdges returns the total number of edges.
func (g *ControlFlowGraph) NumEdges() int {
	n := 0
	for _, b := range g.blocks {
		n += len(b.successors)
	}
	return n
}

func (g *ControlFlowGraph) mustBlock(block BlockID) *basicBlock {
	b, ok := g.blocks[block]
	if !ok {
		panic(fmt.Sprintf("bytecode: no basic block starts at offset %d", block))
	}
	return b
}

// String renders the graph one block per line: "[start, end] -> succ, ...".
func (g *ControlFlowGraph) String() string {
	var sb strings.Builder
	ids := append([]BlockID(nil), g.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b := g.blocks[id]
		fmt.Fprintf(&sb, "[%d, %d] ->", id, b.exit)
		for i, s := range b.successors {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, " %d", s)
			if g.IsBackEdge(id, s) {
				sb.WriteString(" (back)")
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
