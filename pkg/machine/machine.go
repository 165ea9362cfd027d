// Package machine implements the abstract machine state the fixpoint driver
// and the assertion discharger both operate on: a register file, the stack
// memory domain, and the packet-bound domain, plus the per-instruction
// transfer function and the satisfaction check for extracted assertions.
//
// Grounded on original_source/src/ai.cpp's Machine/RegsDom/MinSizeDom and
// spec.md §4.3-4.7.
package machine

import (
	"errors"
	"fmt"

	"github.com/fortiblox/ebpfcheck/internal/abort"
	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/rcp"
	"github.com/fortiblox/ebpfcheck/pkg/stackmem"
)

// StackSize is the total size in bytes of the modelled stack (spec.md §6
// "Numeric constants").
const StackSize = 512

// numRegs covers every register slot the instruction encoding can name,
// including the unused 11/12/15 gaps and the packet-end/meta slots 13/14.
const numRegs = 16

// minSizeSentinel is MinSize's join identity: "nothing known to be too
// small", i.e. the bottom of the packet-bound lattice in the join-semilattice
// sense even though numerically it is the largest representable bound.
const minSizeSentinel = int64(0xFFFFFFF)

// ErrUninitializedRegister marks a read of a register slot with no assigned
// value: an internal-invariant failure per spec.md §7 (the extractor should
// have guaranteed every use is preceded by an assignment or Init).
var ErrUninitializedRegister = errors.New("machine: read of uninitialised register")

// ErrUndefinedInstruction marks a transfer over an Undefined instruction.
var ErrUndefinedInstruction = errors.New("machine: Undefined instruction reached transfer")

// MinSize is the packet-bound domain: a single lower bound on the packet's
// known size. Join is min (less knowledge survives a join of two paths);
// meet is max.
type MinSize struct {
	size int64
}

// BotMinSize is the packet-bound domain's bottom: the join identity. Used
// for machine states that haven't been reached by any path yet.
func BotMinSize() MinSize { return MinSize{size: minSizeSentinel} }

// Size returns the current known lower bound.
func (m MinSize) Size() int64 { return m.size }

// Join is the least upper bound: the smaller (weaker) of the two bounds.
func (m MinSize) Join(o MinSize) MinSize {
	if o.size < m.size {
		return o
	}
	return m
}

// Meet is the greatest lower bound: the larger (stronger) of the two bounds.
func (m MinSize) Meet(o MinSize) MinSize {
	if o.size > m.size {
		return o
	}
	return m
}

// AssumeLargerThan refines the bound under the hypothesis that the packet
// extends at least as far as the smallest element of ub (spec.md §4.3).
func (m MinSize) AssumeLargerThan(ub rcp.OffsetSet) MinSize {
	if ub.IsBot() {
		return m
	}
	if ub.IsTop() {
		return MinSize{size: minSizeSentinel}
	}
	if min := ub.Min(); min > m.size {
		return MinSize{size: min}
	}
	return m
}

// InBounds reports whether the current bound covers every element of ub.
func (m MinSize) InBounds(ub rcp.OffsetSet) bool {
	if ub.IsBot() {
		return true
	}
	if ub.IsTop() {
		return false
	}
	return m.size >= ub.Max()
}

// Machine is the abstract state at one program point: a register file, the
// stack memory domain, and the packet-bound domain, parameterised by the
// read-only program_info it was constructed for.
type Machine struct {
	Stack   stackmem.Mem
	MinSize MinSize
	Info    asm.ProgramInfo

	regs       [numRegs]rcp.Value
	regsSet    [numRegs]bool
	numMapDefs int
}

// NewBottom returns the unreached state: every register uninitialised, the
// stack unreachable, and the packet bound at its join identity.
func NewBottom(info asm.ProgramInfo) Machine {
	return Machine{
		Info:       info,
		numMapDefs: len(info.MapDefs),
		Stack:      stackmem.Bot(),
		MinSize:    BotMinSize(),
	}
}

// Init returns the entry state: r1 := ctx base, r10 := stack end, r13/r14 :=
// any-num, every other register uninitialised; the stack reachable but
// empty; the packet bound explicitly 0.
//
// spec.md §3's Lifecycle text sets the entry packet-bound to 0 directly,
// diverging from the sentinel ai.cpp's Machine::init leaves data_end at
// (ai.cpp never resets data_end on init, relying on the first InPacket
// check along a given path to still fail if no Assume narrowed it — but
// leaving the entry bound at the sentinel would make "no access is ever
// out-of-bounds" the default, which is the opposite of the intended
// fail-closed posture). This is a deliberate divergence from ai.cpp.
func Init(info asm.ProgramInfo) Machine {
	m := NewBottom(info)
	m.Stack = stackmem.Init()
	m.MinSize = MinSize{size: 0}
	m.AssignReg(asm.Reg{V: asm.R1}, rcp.BotValue().WithCtx(rcp.Single(0)))
	m.AssignReg(asm.Reg{V: asm.R10}, rcp.BotValue().WithStack(rcp.Single(StackSize)))
	numTop := rcp.BotValue().WithNum(rcp.Top())
	m.AssignReg(asm.Reg{V: asm.DataEndReg}, numTop)
	m.AssignReg(asm.Reg{V: asm.MetaReg}, numTop)
	return m
}

// IsBot reports whether m describes an unreachable state: some
// general-purpose register (0..9) holds an impossible value, or the stack
// is unreachable. Registers 10..15 are deliberately excluded, matching
// RegsDom::is_bot — the stack pointer and packet-end slots are never Bot
// once initialised.
func (m Machine) IsBot() bool {
	for i := 0; i < 10; i++ {
		if m.regsSet[i] && m.regs[i].IsBot() {
			return true
		}
	}
	return m.Stack.IsBot()
}

// AssignReg sets r's value, marking it initialised.
func (m *Machine) AssignReg(r asm.Reg, v rcp.Value) {
	m.regs[r.V] = v
	m.regsSet[r.V] = true
}

// ToUninit marks r as holding no value.
func (m *Machine) ToUninit(r asm.Reg) {
	m.regs[r.V] = rcp.Value{}
	m.regsSet[r.V] = false
}

// ScratchRegs clears r1..r5, the registers a helper call is free to clobber.
func (m *Machine) ScratchRegs() {
	for i := 1; i < 6; i++ {
		m.regs[i] = rcp.Value{}
		m.regsSet[i] = false
	}
}

func (m *Machine) reg(r asm.Reg) rcp.Value {
	if int(r.V) >= numRegs || !m.regsSet[r.V] {
		panic(abort.New(fmt.Errorf("%w: r%d", ErrUninitializedRegister, r.V)))
	}
	return m.regs[r.V]
}

// Eval resolves an operand to its abstract value: an Imm lifts directly into
// the num component, a Reg reads the current register file.
func (m *Machine) Eval(v asm.Value) rcp.Value {
	switch t := v.(type) {
	case asm.Imm:
		return rcp.BotValue().WithNum(rcp.Single(t.V))
	case asm.Reg:
		return m.reg(t)
	default:
		panic(abort.New(fmt.Errorf("machine: eval of unknown operand type %T", v)))
	}
}

// Join computes the join of m and o: a register present on both sides joins
// componentwise; present on only one side becomes uninitialised on the
// result (matching RegsDom::operator|=, which treats "absent" the same on
// either operand).
func (m Machine) Join(o Machine) Machine {
	out := Machine{Info: m.Info, numMapDefs: m.numMapDefs}
	for i := 0; i < numRegs; i++ {
		if m.regsSet[i] && o.regsSet[i] {
			out.regs[i] = m.regs[i].Join(o.regs[i])
			out.regsSet[i] = true
		}
	}
	out.Stack = m.Stack.Join(o.Stack)
	out.MinSize = m.MinSize.Join(o.MinSize)
	return out
}

// Meet computes the meet of m and o. Unused by the worklist driver (which
// only ever joins predecessor states) but kept for domain-interface parity
// with ai.cpp's Machine::operator&=, which exhibits the same
// absent-on-either-side behaviour as Join.
func (m Machine) Meet(o Machine) Machine {
	out := Machine{Info: m.Info, numMapDefs: m.numMapDefs}
	for i := 0; i < numRegs; i++ {
		if m.regsSet[i] && o.regsSet[i] {
			out.regs[i] = m.regs[i].Meet(o.regs[i])
			out.regsSet[i] = true
		}
	}
	out.Stack = m.Stack.Meet(o.Stack)
	out.MinSize = m.MinSize.Meet(o.MinSize)
	return out
}

// Equal reports whether m and o hold the same state, used by the worklist
// driver to detect convergence.
func (m Machine) Equal(o Machine) bool {
	for i := 0; i < numRegs; i++ {
		if m.regsSet[i] != o.regsSet[i] {
			return false
		}
		if m.regsSet[i] && !valueEqual(m.regs[i], o.regs[i]) {
			return false
		}
	}
	return m.MinSize == o.MinSize && stackEqual(m.Stack, o.Stack)
}

func valueEqual(a, b rcp.Value) bool { return a.Join(b).Equal(a) && b.Join(a).Equal(b) }

func stackEqual(a, b stackmem.Mem) bool {
	if a.IsBot() != b.IsBot() {
		return false
	}
	ao, bo := a.Offsets(), b.Offsets()
	if len(ao) != len(bo) {
		return false
	}
	for i, o := range ao {
		if o != bo[i] || !valueEqual(a.At(o), b.At(o)) {
			return false
		}
		aw, _ := a.WidthAt(o)
		bw, _ := b.WidthAt(o)
		if aw != bw {
			return false
		}
	}
	return true
}

// packetEnd returns the machine's current known-packet-end bound, for
// resolving a packet-end operand in pointer arithmetic (rcp.Add/rcp.Sub's
// knownEnd parameter).
func (m *Machine) packetEnd() int64 { return m.MinSize.Size() }

// Transfer applies the per-instruction update rules of spec.md §4.4,
// mutating m in place. Grounded on original_source/src/ai.cpp's
// Machine::operator() overloads, one per Instruction variant.
func (m *Machine) Transfer(inst asm.Instruction) {
	switch v := inst.(type) {
	case asm.Undefined:
		panic(abort.New(ErrUndefinedInstruction))

	case asm.LoadMapFd:
		m.AssignReg(v.Dst, rcp.BotValue().WithFd(v.MapFd))

	case asm.Un:
		// No-op at this abstraction level (spec.md §4.4); still read the
		// operand so an uninitialised Dst aborts exactly as any other use
		// would, per spec.md §9's note on Un being the one variant whose
		// extractor obligation isn't otherwise exercised by Transfer.
		_ = m.reg(v.Dst)

	case asm.Bin:
		m.transferBin(v)

	case asm.Jmp:
		// No state change: the taken/fall-through hypothesis is modelled by
		// the synthetic Assume block pkg/cfg inserts on each conditional edge.

	case asm.Assume:
		m.transferAssume(v.Cond)

	case asm.Exit:
		// No state change.

	case asm.Call:
		m.transferCall(v)

	case asm.Packet:
		m.ScratchRegs()
		m.AssignReg(asm.Reg{V: asm.R0}, rcp.BotValue().WithNum(rcp.Top()))

	case asm.Mem:
		m.transferMem(v)

	case asm.LockAdd:
		// No modelled data-flow effect beyond its preconditions (spec.md §4.4).

	case *asm.Assert:
		m.transferAssert(v.Body)

	default:
		panic(abort.New(fmt.Errorf("machine: transfer of unknown instruction type %T", inst)))
	}
}

func (m *Machine) transferBin(v asm.Bin) {
	switch v.Op {
	case asm.BinMov:
		m.AssignReg(v.Dst, m.Eval(v.V))
	case asm.BinAdd:
		m.AssignReg(v.Dst, rcp.Add(m.reg(v.Dst), m.Eval(v.V), m.packetEnd()))
	case asm.BinSub:
		m.AssignReg(v.Dst, rcp.Sub(m.reg(v.Dst), m.Eval(v.V), m.packetEnd()))
	default:
		m.AssignReg(v.Dst, rcp.Exec(v.Op, m.reg(v.Dst), m.Eval(v.V)))
	}
}

// transferAssume implements spec.md §4.4's Assume rule: a data_end-flagged
// right-hand side compared with LE refines MinSize instead of the register
// file; every other comparison refines the left register via rcp.assume.
func (m *Machine) transferAssume(cond asm.Condition) {
	left := m.reg(cond.Left)
	right := m.Eval(cond.Right)
	if right.MaybePacketEnd() && cond.Op == asm.OpLE {
		m.MinSize = m.MinSize.AssumeLargerThan(left.GetPacket())
		return
	}
	refined := left.AssumeTypes(cond.Op, right, asm.All(m.numMapDefs), m.numMapDefs)
	m.AssignReg(cond.Left, refined)
}

// transferCall implements spec.md §4.4's Call rule for (mem, size) argument
// pairs, grounded on ai.cpp:304-318. A pair whose mem register must be a
// plain number never wrote through memory at all — PTR_TO_MEM_OR_NULL's
// "mem.must_be_num()" case breaks with no store and no havoc. Otherwise the
// value written is num-⊤, except PTR_TO_MEM_OR_NULL additionally havocs
// that written value (not the register file — a plain Call never scratches
// r6..r9) when mem might be the null numeric value. The write's width comes
// from the size argument's own num set, singleton or not, exactly as
// ai.cpp's store() dispatches between a precise Mem.Store and the weaker
// Mem.StoreDynamic.
func (m *Machine) transferCall(v asm.Call) {
	for _, p := range v.Pairs {
		mem := m.reg(p.Mem)
		if mem.MustBeNum() {
			continue
		}
		stackOffsets := mem.GetStack()
		if stackOffsets.IsBot() {
			continue
		}
		val := rcp.BotValue().WithNum(rcp.Top())
		if p.Kind == asm.ArgPtrToMemOrNull && !mem.GetNum().IsBot() {
			val = rcp.Havoc(m.numMapDefs)
		}
		widths := m.reg(p.Size).GetNum()
		if o, ok := stackOffsets.SingleValue(); ok {
			if w, ok := widths.SingleValue(); ok {
				m.Stack = m.Stack.Store(o, int(w), val)
				continue
			}
		}
		m.Stack = m.Stack.StoreDynamic(stackOffsets, widths, val)
	}
	var r0 rcp.Value
	if v.ReturnsMap {
		r0 = m.reg(asm.Reg{V: asm.R1}).MapLookupElem()
	} else {
		r0 = rcp.BotValue().WithNum(rcp.Top())
	}
	m.ScratchRegs()
	m.AssignReg(asm.Reg{V: asm.R0}, r0)
}

func (m *Machine) transferMem(v asm.Mem) {
	base := m.reg(v.Access.BaseReg)
	addr := rcp.Add(base, rcp.BotValue().WithNum(rcp.Single(v.Access.Offset)), m.packetEnd())
	if v.IsLoad {
		dst, ok := v.Value.(asm.Reg)
		if !ok {
			panic(abort.New(fmt.Errorf("machine: Mem load's Value must be a Reg, got %T", v.Value)))
		}
		m.AssignReg(dst, m.loadByRegion(addr, int(v.Access.Width)))
		return
	}
	m.storeByRegion(addr, int(v.Access.Width), m.Eval(v.Value))
}

// loadByRegion implements spec.md §4.4's "Load by region": the stack
// projection dispatches to Mem.Load, the ctx projection matches the
// context descriptor's data/data_end/meta fields, and any packet or
// map-value projection contributes num-⊤ (unmodelled backing memory).
// Results across every applicable region are joined.
func (m *Machine) loadByRegion(addr rcp.Value, width int) rcp.Value {
	out := rcp.BotValue()
	if stackOffsets := addr.GetStack(); !stackOffsets.IsBot() {
		out = out.Join(m.Stack.Load(stackOffsets, width))
	}
	if ctxOffsets := addr.GetCtx(); !ctxOffsets.IsBot() {
		out = out.Join(m.loadCtx(ctxOffsets))
	}
	if !addr.GetPacket().IsBot() || addr.MaybeMap() {
		out = out.Join(rcp.BotValue().WithNum(rcp.Top()))
	}
	return out
}

// loadCtx matches a singleton ctx offset against the context descriptor's
// data/data_end/meta fields; a non-singleton offset havocs the destination
// (spec.md §4.4 and §8's boundary behaviour).
//
// The data model of spec.md §3 has no component dedicated to a "meta" tag
// distinct from a packet offset, so loading ctx.meta yields the same
// packet-offset-0 value as ctx.data; this is a deliberate, narrower
// approximation than the reference's separate meta marker, recorded in
// DESIGN.md.
func (m *Machine) loadCtx(offsets rcp.OffsetSet) rcp.Value {
	off, ok := offsets.SingleValue()
	if !ok {
		if offsets.IsTop() {
			return rcp.Havoc(m.numMapDefs)
		}
		return rcp.Havoc(m.numMapDefs)
	}
	d := m.Info.Descriptor
	switch {
	case d.HasData() && off == d.Data:
		return rcp.BotValue().WithPacket(rcp.Single(0))
	case d.HasEnd() && off == d.End:
		return rcp.BotValue().WithPacketEnd()
	case d.HasMeta() && off == d.Meta:
		return rcp.BotValue().WithPacket(rcp.Single(0))
	default:
		return rcp.BotValue().WithNum(rcp.Top())
	}
}

// storeByRegion implements spec.md §4.4's store rule: only the stack
// projection has a backing domain capable of recording the write; ctx is
// read-only and packet/map writes aren't modelled beyond the Call rule's
// scratch-memory effect.
func (m *Machine) storeByRegion(addr rcp.Value, width int, val rcp.Value) {
	stackOffsets := addr.GetStack()
	if stackOffsets.IsBot() {
		return
	}
	if off, ok := stackOffsets.SingleValue(); ok {
		m.Stack = m.Stack.Store(off, width, val)
		return
	}
	m.Stack = m.Stack.StoreDynamic(stackOffsets, rcp.Single(int64(width)), val)
}

// transferAssert treats an Assert as an assume over its body, refining the
// state exactly as the corresponding Jmp/Assume/Call-argument hypothesis
// would (spec.md §4.6). Whether the assertion was actually discharged is a
// separate question, answered by Satisfied and recorded by pkg/verifier's
// discharger — not by Transfer. An assertion about an uninitialised
// register refines nothing.
func (m *Machine) transferAssert(body asm.AssertionBody) {
	switch a := body.(type) {
	case asm.LinearConstraint:
		m.assumeLinear(a)
	case asm.TypeConstraint:
		m.assumeType(a)
	case asm.InPacket:
		// Nothing to refine: InPacket compares a derived quantity against
		// MinSize, it doesn't narrow any register's own offset set.
	default:
		panic(abort.New(fmt.Errorf("machine: transfer of unknown assertion body %T", body)))
	}
}

// linearRHS evaluates a LinearConstraint's right-hand side, "v - width -
// offset", projected to the num region (spec.md §3's LinearConstraint is
// always compared against a plain numeric bound: a map's value_size, the
// stack/ctx size, or a literal in a Jmp/Call-size obligation).
func (m *Machine) linearRHS(a asm.LinearConstraint) rcp.OffsetSet {
	v := m.Eval(a.V).GetNum()
	width := m.Eval(a.Width).GetNum()
	return v.Sub(width).Sub(rcp.Single(a.Offset))
}

// offsetOp returns the signed counterpart of an unsigned ordering op: a
// LinearConstraint compares signed offsets, so an offset below its region's
// base fails a ">= 0" bound instead of wrapping around. OpSLT..OpSGE are
// declared in the same order as OpLT..OpGE.
func offsetOp(op asm.ConditionOp) asm.ConditionOp {
	if op >= asm.OpLT && op <= asm.OpGE {
		return op + (asm.OpSLT - asm.OpLT)
	}
	return op
}

func (m *Machine) assumeLinear(a asm.LinearConstraint) {
	if !m.regsSet[a.Reg.V] {
		return
	}
	rhs := m.linearRHS(a)
	regVal := m.reg(a.Reg)
	for _, r := range asm.RegionIndices(m.numMapDefs) {
		if r == asm.TFd || !a.WhenTypes.Has(asm.Single(r)) {
			continue
		}
		cur := regVal.Region(r)
		if cur.IsBot() {
			continue
		}
		shifted := cur.Add(rcp.Single(a.Offset))
		refined := shifted.Filter(offsetOp(a.Op), rhs)
		regVal = regVal.WithRegion(r, refined.Sub(rcp.Single(a.Offset)))
	}
	m.AssignReg(a.Reg, regVal)
}

func (m *Machine) assumeType(a asm.TypeConstraint) {
	if !m.regsSet[a.Then.Reg.V] || (a.Given != nil && !m.regsSet[a.Given.Reg.V]) {
		return
	}
	thenVal := m.reg(a.Then.Reg)
	if a.Given == nil {
		m.AssignReg(a.Then.Reg, thenVal.RestrictToTypes(a.Then.Types, m.numMapDefs))
		return
	}
	givenVal := m.reg(a.Given.Reg)
	m.AssignReg(a.Then.Reg, thenVal.RestrictTypesGiven(a.Then.Types, givenVal, a.Given.Types, m.numMapDefs))
}

// Satisfied is the entailment counterpart of Transfer's Assert case: it
// reports whether the invariant currently held by m already implies body,
// without mutating m (spec.md §4.7). An assertion about an uninitialised
// register is never satisfied.
func (m Machine) Satisfied(body asm.AssertionBody) bool {
	switch a := body.(type) {
	case asm.LinearConstraint:
		return m.linearSatisfied(a)
	case asm.TypeConstraint:
		return m.typeSatisfied(a)
	case asm.InPacket:
		return m.inPacketSatisfied(a)
	default:
		panic(abort.New(fmt.Errorf("machine: satisfied of unknown assertion body %T", body)))
	}
}

func (m Machine) linearSatisfied(a asm.LinearConstraint) bool {
	if !m.regsSet[a.Reg.V] {
		return false
	}
	rhs := m.linearRHS(a)
	regVal := m.reg(a.Reg)
	for _, r := range asm.RegionIndices(m.numMapDefs) {
		if r == asm.TFd || !a.WhenTypes.Has(asm.Single(r)) {
			continue
		}
		cur := regVal.Region(r)
		if cur.IsBot() {
			continue
		}
		shifted := cur.Add(rcp.Single(a.Offset))
		if !shifted.Satisfied(offsetOp(a.Op), rhs) {
			return false
		}
	}
	return true
}

func (m Machine) typeSatisfied(a asm.TypeConstraint) bool {
	if !m.regsSet[a.Then.Reg.V] || (a.Given != nil && !m.regsSet[a.Given.Reg.V]) {
		return false
	}
	thenVal := m.reg(a.Then.Reg)
	if a.Given == nil {
		return thenVal.MatchesTypes(a.Then.Types, m.numMapDefs)
	}
	givenVal := m.reg(a.Given.Reg)
	return thenVal.MatchesTypesGiven(a.Then.Types, givenVal, a.Given.Types, m.numMapDefs)
}

// inPacketSatisfied checks spec.md §4.3's InBounds against reg+offset+width,
// vacuously true when reg carries no packet component at all (the
// assertion doesn't apply to a register that was never a packet pointer;
// pkg/extractor only emits InPacket for the packet arm of check_access).
func (m Machine) inPacketSatisfied(a asm.InPacket) bool {
	if !m.regsSet[a.Reg.V] {
		return false
	}
	regVal := m.reg(a.Reg)
	width := m.Eval(a.Width).GetNum()
	bound := regVal.GetPacket().Add(rcp.Single(a.Offset)).Add(width)
	return m.MinSize.InBounds(bound)
}
