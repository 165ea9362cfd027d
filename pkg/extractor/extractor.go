// Package extractor implements the assertion-extraction pass: a
// syntax-directed rewrite that inserts a typed precondition list before
// every instruction in a basic block. Grounded on spec.md §4.5 (no
// AssertionExtractor source survives in original_source/, so the
// per-instruction rules below are reconstructed directly from the spec's
// prose rather than transliterated from C++).
package extractor

import (
	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/cfg"
	"github.com/fortiblox/ebpfcheck/pkg/machine"
)

// Options carries the extractor's one caller-configurable knob.
type Options struct {
	// Privileged suppresses the ANYTHING-argument num obligation and the
	// pointer-leak assertions on stores through ctx/packet/map memory,
	// matching spec.md §9's "privileged mode" design note.
	Privileged bool
}

// ExplicateAssertions rewrites every basic block of c in place, replacing
// each instruction with the sequence of its extracted preconditions
// followed by the instruction itself. Idempotent: re-running it over a
// CFG it already rewrote inserts nothing further. A block that already
// holds an *asm.Assert is left as it is; a block without one had no
// instruction with obligations, so rewriting it again adds nothing
// (spec.md §8 "extractor idempotence").
func ExplicateAssertions(c *cfg.Cfg, info asm.ProgramInfo, opts Options) {
	numMapDefs := len(info.MapDefs)
	for _, l := range c.Keys() {
		b := c.At(l)
		explicated := false
		for _, ins := range b.Instructions {
			if _, ok := ins.(*asm.Assert); ok {
				explicated = true
				break
			}
		}
		if explicated {
			continue
		}
		out := make([]asm.Instruction, 0, len(b.Instructions))
		for _, ins := range b.Instructions {
			out = append(out, assertionsFor(ins, opts, info, numMapDefs)...)
			out = append(out, ins)
		}
		b.Instructions = out
	}
}

func assertionsFor(ins asm.Instruction, opts Options, info asm.ProgramInfo, numMapDefs int) []asm.Instruction {
	switch v := ins.(type) {
	case asm.Exit:
		return extractExit()
	case asm.Call:
		return extractCall(v, opts, info, numMapDefs)
	case asm.Jmp:
		if v.Cond == nil {
			return nil
		}
		return extractCondition(*v.Cond, numMapDefs)
	case asm.Assume:
		return extractCondition(v.Cond, numMapDefs)
	case asm.Mem:
		return extractMem(v, opts, info, numMapDefs)
	case asm.LockAdd:
		return extractLockAdd(v, info, numMapDefs)
	case asm.Bin:
		return extractBin(v, numMapDefs)
	default:
		// Undefined, LoadMapFd, Un, Packet, *Assert: no obligations of their
		// own. A LoadMapFd or Packet's destination is always assigned, never
		// read, by the instruction itself, so nothing needs asserting ahead
		// of it; Un's missing obligation is spec.md §9's flagged open gap.
		return nil
	}
}

func assert(body asm.AssertionBody) asm.Instruction { return &asm.Assert{Body: body} }

func typeConstraint(reg asm.Reg, types asm.Types) asm.Instruction {
	return assert(asm.TypeConstraint{Then: asm.TypeRef{Reg: reg, Types: types}})
}

func typeConstraintGiven(then asm.Reg, thenTypes asm.Types, given asm.Reg, givenTypes asm.Types) asm.Instruction {
	g := asm.TypeRef{Reg: given, Types: givenTypes}
	return assert(asm.TypeConstraint{Then: asm.TypeRef{Reg: then, Types: thenTypes}, Given: &g})
}

// extractExit implements spec.md §4.5's Exit rule: r0 : num.
func extractExit() []asm.Instruction {
	return []asm.Instruction{typeConstraint(asm.Reg{V: asm.R0}, asm.TypeNum)}
}

func extractCall(c asm.Call, opts Options, info asm.ProgramInfo, numMapDefs int) []asm.Instruction {
	var out []asm.Instruction
	for _, s := range c.Singles {
		switch s.Kind {
		case asm.ArgAnything:
			if !opts.Privileged {
				out = append(out, typeConstraint(s.Reg, asm.TypeNum))
			}
		case asm.ArgMapFd:
			out = append(out, typeConstraint(s.Reg, asm.TypeFd))
		case asm.ArgPtrToMapKey, asm.ArgPtrToMapValue:
			out = append(out, typeConstraint(s.Reg, asm.TypeStack|asm.TypePacket))
		case asm.ArgPtrToCtx:
			out = append(out, typeConstraint(s.Reg, asm.TypeCtx))
		}
	}
	for _, p := range c.Pairs {
		memTypes := asm.MemTypes(numMapDefs)
		allowed := memTypes
		if p.Kind == asm.ArgPtrToMemOrNull {
			allowed |= asm.TypeNum
		}
		out = append(out, typeConstraint(p.Mem, allowed))
		out = append(out, typeConstraint(p.Size, asm.TypeNum))
		sizeOp := asm.OpGT
		if p.CanBeZero {
			sizeOp = asm.OpGE
		}
		out = append(out, assert(asm.LinearConstraint{
			Op: sizeOp, Reg: p.Size, Offset: 0,
			V: asm.Imm{V: 0}, Width: asm.Imm{V: 0}, WhenTypes: asm.TypeNum,
		}))
		out = append(out, checkAccess(memTypes, p.Mem, 0, p.Size, info, numMapDefs)...)
	}
	return out
}

func isOrderedOp(op asm.ConditionOp) bool { return op != asm.OpEQ && op != asm.OpNE }

// extractCondition implements spec.md §4.5's "Jmp/Assume with condition"
// rule, shared by both instruction kinds since an Assume's Cond carries
// exactly the same obligation as the Jmp it was synthesized from.
func extractCondition(cond asm.Condition, numMapDefs int) []asm.Instruction {
	switch right := cond.Right.(type) {
	case asm.Imm:
		if right.V == 0 {
			return nil
		}
		return []asm.Instruction{typeConstraint(cond.Left, asm.TypeNum)}
	case asm.Reg:
		var out []asm.Instruction
		if isOrderedOp(cond.Op) {
			out = append(out, typeConstraint(cond.Left, asm.NonFd(numMapDefs)))
		}
		for _, r := range asm.RegionIndices(numMapDefs) {
			out = append(out, typeConstraintGiven(cond.Left, asm.Single(r), right, asm.Single(r)))
		}
		return out
	default:
		return nil
	}
}

func extractMem(m asm.Mem, opts Options, info asm.ProgramInfo, numMapDefs int) []asm.Instruction {
	base := m.Access.BaseReg
	width := asm.Imm{V: int64(m.Access.Width)}
	if base.V == asm.R10 {
		return checkAccess(asm.TypeStack, base, m.Access.Offset, width, info, numMapDefs)
	}
	var out []asm.Instruction
	out = append(out, typeConstraint(base, asm.Ptr(numMapDefs)))
	out = append(out, checkAccess(asm.Ptr(numMapDefs), base, m.Access.Offset, width, info, numMapDefs)...)
	if !m.IsLoad && !opts.Privileged {
		if stored, ok := m.Value.(asm.Reg); ok {
			out = append(out, typeConstraint(stored, asm.TypeNum))
		}
	}
	return out
}

func extractLockAdd(la asm.LockAdd, info asm.ProgramInfo, numMapDefs int) []asm.Instruction {
	base := la.Access.BaseReg
	width := asm.Imm{V: int64(la.Access.Width)}
	out := []asm.Instruction{typeConstraint(base, asm.Maps(numMapDefs))}
	return append(out, checkAccess(asm.Maps(numMapDefs), base, la.Access.Offset, width, info, numMapDefs)...)
}

func extractBin(b asm.Bin, numMapDefs int) []asm.Instruction {
	switch b.Op {
	case asm.BinMov:
		return nil
	case asm.BinAdd:
		if v, ok := b.V.(asm.Reg); ok {
			return []asm.Instruction{
				typeConstraintGiven(b.Dst, asm.TypeNum, v, asm.Ptr(numMapDefs)),
				typeConstraintGiven(v, asm.TypeNum, b.Dst, asm.Ptr(numMapDefs)),
			}
		}
		return nil
	case asm.BinSub:
		if v, ok := b.V.(asm.Reg); ok {
			out := []asm.Instruction{
				typeConstraint(b.Dst, asm.NonFd(numMapDefs)),
				typeConstraint(v, asm.NonFd(numMapDefs)),
			}
			for _, r := range asm.RegionIndices(numMapDefs) {
				if r == asm.TFd || r == asm.TNum {
					continue
				}
				out = append(out,
					typeConstraintGiven(b.Dst, asm.Single(r), v, asm.Single(r)),
					typeConstraintGiven(v, asm.Single(r), b.Dst, asm.Single(r)),
				)
			}
			return out
		}
		return nil
	default:
		out := []asm.Instruction{typeConstraint(b.Dst, asm.TypeNum)}
		if v, ok := b.V.(asm.Reg); ok {
			out = append(out, typeConstraint(v, asm.TypeNum))
		}
		return out
	}
}

// checkAccess implements spec.md §4.5's check_access: a lower bound
// shared across every region in types, and one region-specific upper
// bound per region present in types (an InPacket assertion for the
// packet region, a LinearConstraint against the region's declared end
// for every other checkable region).
func checkAccess(types asm.Types, reg asm.Reg, offset int64, width asm.Value, info asm.ProgramInfo, numMapDefs int) []asm.Instruction {
	out := []asm.Instruction{
		assert(asm.LinearConstraint{
			Op: asm.OpGE, Reg: reg, Offset: offset,
			V: asm.Imm{V: offset}, Width: asm.Imm{V: 0}, WhenTypes: types,
		}),
	}
	for _, r := range asm.RegionIndices(numMapDefs) {
		if !types.Has(asm.Single(r)) {
			continue
		}
		switch r {
		case asm.TPacket:
			out = append(out, assert(asm.InPacket{Reg: reg, Offset: offset, Width: width}))
		case asm.TCtx:
			out = append(out, upperBound(reg, offset, width, info.Descriptor.Size, r))
		case asm.TStack:
			out = append(out, upperBound(reg, offset, width, machine.StackSize, r))
		case asm.TFd, asm.TNum:
			// Neither region has a bound to check against.
		default:
			var valueSize int64
			if r < len(info.MapDefs) {
				valueSize = int64(info.MapDefs[r].ValueSize)
			}
			out = append(out, upperBound(reg, offset, width, valueSize, r))
		}
	}
	return out
}

// upperBound builds the LinearConstraint "reg+offset+width <= end", cast
// into spec.md §4.1's "reg+offset op (v-width-offset)" shape by choosing
// v = end+offset so the two offset terms cancel on the right-hand side.
func upperBound(reg asm.Reg, offset int64, width asm.Value, end int64, region int) asm.Instruction {
	return assert(asm.LinearConstraint{
		Op: asm.OpLE, Reg: reg, Offset: offset,
		V: asm.Imm{V: end + offset}, Width: width, WhenTypes: asm.Single(region),
	})
}
