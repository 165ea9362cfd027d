// Package cfg builds an acyclic control-flow graph out of a linear
// instruction sequence, and provides the Label/BasicBlock/Cfg types
// pkg/verifier's worklist driver walks. Grounded on spec.md §3-4.6 (the
// spec describes the Cfg's shape and traversal contract; asm_cfg.hpp, the
// reference implementation's actual builder, isn't part of this pack, so
// the construction algorithm here is original to ebpfcheck).
package cfg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
)

// ErrCyclicCFG is returned by Build when the instruction sequence contains a
// back edge. spec.md §9 lists loop support as an explicit open question;
// ebpfcheck rejects cyclic input outright rather than attempting widening.
var ErrCyclicCFG = errors.New("cyclic control flow is not supported")

// Label identifies a basic block by the index of its first instruction in
// the original linear sequence.
type Label int

// BasicBlock is a straight-line run of instructions with no internal jump
// targets, plus its predecessor/successor labels.
type BasicBlock struct {
	Label        Label
	Instructions []asm.Instruction
	Prev         []Label
	Next         []Label
}

// Cfg is an acyclic control-flow graph: a set of basic blocks addressed by
// Label, with Entry naming the block that starts at instruction 0.
type Cfg struct {
	Entry  Label
	blocks map[Label]*BasicBlock
	order  []Label // topological order, fixed at Build time
}

// Keys returns every label in a topological order. Blocks unreachable from
// Entry come ahead of Entry and the blocks it reaches; when every block is
// reachable, Entry is first. pkg/verifier's Discharge walks blocks in this
// order.
func (c *Cfg) Keys() []Label { return append([]Label(nil), c.order...) }

// At returns the basic block for l. Panics if l isn't a member, matching
// the reference implementation's fail-fast indexing contract.
func (c *Cfg) At(l Label) *BasicBlock {
	b, ok := c.blocks[l]
	if !ok {
		panic(fmt.Sprintf("cfg: no such label %d", l))
	}
	return b
}

// Build partitions a linear instruction sequence into basic blocks at every
// jump target and every instruction immediately following a Jmp or Exit,
// wires predecessor/successor edges, and rejects the result if it contains
// a cycle.
//
// insns must already have Jmp.Target resolved to absolute indices into
// insns (as pkg/asm.Decode produces); Assert wrappers do not start new
// blocks.
func Build(insns []asm.Instruction) (*Cfg, error) {
	if len(insns) == 0 {
		return nil, errors.New("cfg: empty instruction sequence")
	}
	leaders := map[int]bool{0: true}
	for i, ins := range insns {
		switch v := ins.(type) {
		case asm.Jmp:
			if v.Target < 0 || v.Target > len(insns) {
				return nil, fmt.Errorf("cfg: jump at %d targets out-of-range index %d", i, v.Target)
			}
			leaders[v.Target] = true
			if i+1 < len(insns) {
				leaders[i+1] = true
			}
		case asm.Exit:
			if i+1 < len(insns) {
				leaders[i+1] = true
			}
		}
	}

	starts := make([]int, 0, len(leaders))
	for l := range leaders {
		starts = append(starts, l)
	}
	sort.Ints(starts)

	blocks := map[Label]*BasicBlock{}
	startToLabel := map[int]Label{}
	for idx, s := range starts {
		startToLabel[s] = Label(s)
		end := len(insns)
		if idx+1 < len(starts) {
			end = starts[idx+1]
		}
		blocks[Label(s)] = &BasicBlock{Label: Label(s), Instructions: insns[s:end]}
	}

	resolveTarget := func(absolute int) (Label, bool) {
		l, ok := startToLabel[absolute]
		return l, ok
	}

	// A conditional jump's two outcomes need distinct hypotheses injected
	// before control reaches either successor (the taken branch assumes
	// Cond, the fall-through assumes its negation) — there is no surviving
	// fragment of the reference's own asm_cfg.hpp to copy this from, so
	// ebpfcheck synthesizes a one-instruction Assume block per conditional
	// edge, addressed by a negative label to avoid colliding with real
	// instruction indices.
	nextSynthetic := -1
	newSynthetic := func(cond asm.Condition) Label {
		l := Label(nextSynthetic)
		nextSynthetic--
		blocks[l] = &BasicBlock{Label: l, Instructions: []asm.Instruction{asm.Assume{Cond: cond}}}
		return l
	}

	for idx, s := range starts {
		b := blocks[Label(s)]
		end := len(insns)
		if idx+1 < len(starts) {
			end = starts[idx+1]
		}
		last := insns[end-1]
		switch v := last.(type) {
		case asm.Exit:
			// no successors
		case asm.Jmp:
			tl, ok := resolveTarget(v.Target)
			if !ok {
				break
			}
			if v.Cond == nil {
				b.Next = append(b.Next, tl)
				break
			}
			taken := newSynthetic(*v.Cond)
			blocks[taken].Next = []Label{tl}
			b.Next = append(b.Next, taken)
			if end < len(insns) {
				if fl, ok := resolveTarget(end); ok {
					negated := asm.Condition{Left: v.Cond.Left, Op: v.Cond.Op.Negate(), Right: v.Cond.Right}
					fall := newSynthetic(negated)
					blocks[fall].Next = []Label{fl}
					b.Next = append(b.Next, fall)
				}
			}
		default:
			if end < len(insns) {
				if fl, ok := resolveTarget(end); ok {
					b.Next = append(b.Next, fl)
				}
			}
		}
	}

	for _, b := range blocks {
		for _, n := range b.Next {
			blocks[n].Prev = append(blocks[n].Prev, b.Label)
		}
	}

	c := &Cfg{Entry: Label(0), blocks: blocks}
	order, err := topoSort(c)
	if err != nil {
		return nil, err
	}
	c.order = order
	return c, nil
}

func topoSort(c *Cfg) ([]Label, error) {
	const (
		white = iota
		grey
		black
	)
	color := map[Label]int{}
	var order []Label
	var visit func(l Label) error
	visit = func(l Label) error {
		switch color[l] {
		case black:
			return nil
		case grey:
			return ErrCyclicCFG
		}
		color[l] = grey
		b := c.blocks[l]
		next := append([]Label(nil), b.Next...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, n := range next {
			if err := visit(n); err != nil {
				return err
			}
		}
		color[l] = black
		order = append([]Label{l}, order...)
		return nil
	}
	if err := visit(c.Entry); err != nil {
		return nil, err
	}
	// Any block unreachable from Entry (code after an Exit or an
	// unconditional Jmp that no jump targets) still participates, and ends
	// up ahead of Entry in the order.
	var rest []Label
	for l := range c.blocks {
		if color[l] != black {
			rest = append(rest, l)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, l := range rest {
		if err := visit(l); err != nil {
			return nil, err
		}
	}
	return order, nil
}
