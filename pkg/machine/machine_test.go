package machine

import (
	"testing"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/rcp"
)

func TestInitSetsUpEntryRegisters(t *testing.T) {
	m := Init(asm.ProgramInfo{})

	r1 := m.reg(asm.Reg{V: asm.R1})
	if r1.GetCtx().IsBot() {
		t.Fatalf("r1 should carry a ctx offset at entry")
	}

	r10 := m.reg(asm.Reg{V: asm.R10})
	if off, ok := r10.GetStack().SingleValue(); !ok || off != StackSize {
		t.Fatalf("r10 should be a singleton stack pointer at %d, got %v ok=%v", StackSize, off, ok)
	}

	if m.MinSize.Size() != 0 {
		t.Fatalf("entry MinSize should be exactly 0, got %d", m.MinSize.Size())
	}
}

func TestReadOfUninitializedRegisterAborts(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic reading an uninitialised register")
		}
	}()
	m.reg(asm.Reg{V: 2})
}

func TestTransferBinMovAssignsImmediate(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.Transfer(asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 7}})
	got := m.reg(asm.Reg{V: asm.R0}).GetNum()
	if single, ok := got.SingleValue(); !ok || single != 7 {
		t.Fatalf("r0 = %v, want singleton 7", got.Elems())
	}
}

func TestTransferBinAddTracksStackOffset(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.Transfer(asm.Bin{Op: asm.BinAdd, Dst: asm.Reg{V: asm.R10}, V: asm.Imm{V: -8}})
	stack := m.reg(asm.Reg{V: asm.R10}).GetStack()
	if off, ok := stack.SingleValue(); !ok || off != StackSize-8 {
		t.Fatalf("r10 stack offset = %v, want %d", stack.Elems(), StackSize-8)
	}
}

func TestTransferMemStoreThenLoadRoundTrips(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.Transfer(asm.Bin{Op: asm.BinAdd, Dst: asm.Reg{V: asm.R10}, V: asm.Imm{V: -8}})
	m.Transfer(asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R1}, V: asm.Imm{V: 42}})
	m.Transfer(asm.Mem{
		Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: 0, Width: 8},
		Value:  asm.Reg{V: asm.R1},
		IsLoad: false,
	})
	m.Transfer(asm.Mem{
		Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: 0, Width: 8},
		Value:  asm.Reg{V: 2},
		IsLoad: true,
	})
	got := m.reg(asm.Reg{V: 2}).GetNum()
	if single, ok := got.SingleValue(); !ok || single != 42 {
		t.Fatalf("loaded value = %v, want singleton 42", got.Elems())
	}
}

func TestTransferCallScratchesArgRegisters(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.AssignReg(asm.Reg{V: asm.R1}, rcp.BotValue().WithNum(rcp.Single(3)))
	m.Transfer(asm.Call{})
	r0 := m.reg(asm.Reg{V: asm.R0})
	if r0.GetNum().IsTop() == false {
		t.Fatalf("r0 after a plain call should be num-Top, got %v", r0.GetNum().Elems())
	}
	if m.regsSet[1] {
		t.Fatalf("r1 should be scratched (uninitialised) after a call")
	}
}

func TestTransferUndefinedAborts(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic transferring an Undefined instruction")
		}
	}()
	m.Transfer(asm.Undefined{})
}

func TestTransferAssumeRefinesNumericRegister(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.AssignReg(asm.Reg{V: 2}, rcp.BotValue().WithNum(rcp.FromSlice([]int64{1, 2, 3, 10})))
	m.Transfer(asm.Assume{Cond: asm.Condition{
		Left:  asm.Reg{V: 2},
		Op:    asm.OpLT,
		Right: asm.Imm{V: 4},
	}})
	got := m.reg(asm.Reg{V: 2}).GetNum()
	if !got.Equal(rcp.FromSlice([]int64{1, 2, 3})) {
		t.Fatalf("refined r2 = %v, want {1,2,3}", got.Elems())
	}
}

func TestLinearConstraintSatisfiedAndAssumed(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.AssignReg(asm.Reg{V: asm.R1}, rcp.BotValue().WithStack(rcp.Single(StackSize-8)))

	body := asm.LinearConstraint{
		Op:        asm.OpGE,
		Reg:       asm.Reg{V: asm.R1},
		Offset:    0,
		V:         asm.Imm{V: 0},
		Width:     asm.Imm{V: 0},
		WhenTypes: asm.TypeStack,
	}
	if !m.Satisfied(body) {
		t.Fatalf("expected r1(stack offset %d)+0 >= 0 to be satisfied", StackSize-8)
	}

	oob := asm.LinearConstraint{
		Op:        asm.OpGE,
		Reg:       asm.Reg{V: asm.R1},
		Offset:    -1024,
		V:         asm.Imm{V: -1024},
		Width:     asm.Imm{V: 0},
		WhenTypes: asm.TypeStack,
	}
	if m.Satisfied(oob) {
		t.Fatalf("expected r1+(-1024) >= 0 to be unsatisfied (goes negative)")
	}
}

func TestTypeConstraintSatisfiedAfterRestriction(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.AssignReg(asm.Reg{V: 3}, rcp.BotValue().WithStack(rcp.Single(0)).WithNum(rcp.Top()))
	m.Transfer(&asm.Assert{Body: asm.TypeConstraint{Then: asm.TypeRef{Reg: asm.Reg{V: 3}, Types: asm.TypeStack}}})
	if !m.Satisfied(asm.TypeConstraint{Then: asm.TypeRef{Reg: asm.Reg{V: 3}, Types: asm.TypeStack}}) {
		t.Fatalf("expected r3 to be restricted to stack-only after the assert's transfer")
	}
}

func TestInPacketSatisfiedRespectsMinSize(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.MinSize = MinSize{size: 16}
	m.AssignReg(asm.Reg{V: 4}, rcp.BotValue().WithPacket(rcp.Single(0)))

	ok := asm.InPacket{Reg: asm.Reg{V: 4}, Offset: 0, Width: asm.Imm{V: 16}}
	if !m.Satisfied(ok) {
		t.Fatalf("expected r4+0+16 <= 16 to be satisfied")
	}

	tooWide := asm.InPacket{Reg: asm.Reg{V: 4}, Offset: 0, Width: asm.Imm{V: 17}}
	if m.Satisfied(tooWide) {
		t.Fatalf("expected r4+0+17 <= 16 to be unsatisfied")
	}
}

func TestJoinDropsRegistersAbsentOnEitherSide(t *testing.T) {
	a := Init(asm.ProgramInfo{})
	a.AssignReg(asm.Reg{V: 2}, rcp.BotValue().WithNum(rcp.Single(1)))

	b := Init(asm.ProgramInfo{})

	joined := a.Join(b)
	if joined.regsSet[2] {
		t.Fatalf("r2 was only set on one side of the join and should be absent on the result")
	}
	if !joined.regsSet[asm.R1] {
		t.Fatalf("r1 was set on both sides and should survive the join")
	}
}

func TestEqualDetectsDivergentState(t *testing.T) {
	a := Init(asm.ProgramInfo{})
	b := Init(asm.ProgramInfo{})
	if !a.Equal(b) {
		t.Fatalf("two freshly Init'd machines should be equal")
	}
	b.AssignReg(asm.Reg{V: 2}, rcp.BotValue().WithNum(rcp.Single(5)))
	if a.Equal(b) {
		t.Fatalf("machines with divergent register state should not be equal")
	}
}

func TestMinSizeJoinIsMin(t *testing.T) {
	a := MinSize{size: 4}
	b := MinSize{size: 16}
	if got := a.Join(b); got.Size() != 4 {
		t.Fatalf("Join = %d, want 4 (the smaller bound)", got.Size())
	}
	if got := a.Meet(b); got.Size() != 16 {
		t.Fatalf("Meet = %d, want 16 (the larger bound)", got.Size())
	}
}

func TestTransferCallStoresPlainPtrToMemAsNumTop(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.Transfer(asm.Bin{Op: asm.BinAdd, Dst: asm.Reg{V: asm.R10}, V: asm.Imm{V: -8}})
	m.AssignReg(asm.Reg{V: 2}, m.reg(asm.Reg{V: asm.R10}))
	m.AssignReg(asm.Reg{V: 3}, rcp.BotValue().WithNum(rcp.Single(8)))

	m.Transfer(asm.Call{Pairs: []asm.ArgPair{
		{Mem: asm.Reg{V: 2}, Size: asm.Reg{V: 3}, Kind: asm.ArgPtrToMem},
	}})

	got := m.Stack.Load(rcp.Single(StackSize-8), 8)
	if !got.GetNum().IsTop() {
		t.Fatalf("a plain PTR_TO_MEM call argument should store num-top, got %v", got)
	}
	if !got.GetStack().IsBot() {
		t.Fatalf("a plain PTR_TO_MEM call argument should not havoc the stored value, got stack=%v", got.GetStack().Elems())
	}
}

func TestTransferCallPtrToMemOrNullHavocsValueNotRegisters(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.Transfer(asm.Bin{Op: asm.BinAdd, Dst: asm.Reg{V: asm.R10}, V: asm.Imm{V: -8}})
	mem := m.reg(asm.Reg{V: asm.R10}).WithNum(rcp.Single(0))
	m.AssignReg(asm.Reg{V: 2}, mem)
	m.AssignReg(asm.Reg{V: 3}, rcp.BotValue().WithNum(rcp.Single(8)))
	m.AssignReg(asm.Reg{V: 6}, rcp.BotValue().WithStack(rcp.Single(StackSize-16)))

	m.Transfer(asm.Call{Pairs: []asm.ArgPair{
		{Mem: asm.Reg{V: 2}, Size: asm.Reg{V: 3}, Kind: asm.ArgPtrToMemOrNull},
	}})

	got := m.Stack.Load(rcp.Single(StackSize-8), 8)
	if !got.GetStack().IsTop() || !got.GetNum().IsTop() {
		t.Fatalf("a nullable PTR_TO_MEM_OR_NULL call argument should havoc the stored value, got %v", got)
	}
	if !m.regsSet[6] {
		t.Fatalf("a plain call must not scratch r6..r9, but r6 was cleared")
	}
	r6 := m.reg(asm.Reg{V: 6})
	if off, ok := r6.GetStack().SingleValue(); !ok || off != StackSize-16 {
		t.Fatalf("r6 should be untouched by the call, got %v", r6.GetStack().Elems())
	}
}

func TestTransferCallSkipsStoreWhenMemMustBeNum(t *testing.T) {
	m := Init(asm.ProgramInfo{})
	m.AssignReg(asm.Reg{V: 2}, rcp.BotValue().WithNum(rcp.Single(0)))
	m.AssignReg(asm.Reg{V: 3}, rcp.BotValue().WithNum(rcp.Single(8)))

	m.Transfer(asm.Call{Pairs: []asm.ArgPair{
		{Mem: asm.Reg{V: 2}, Size: asm.Reg{V: 3}, Kind: asm.ArgPtrToMemOrNull},
	}})

	if len(m.Stack.Offsets()) != 0 {
		t.Fatalf("a call argument that must be num should never write to the stack, got offsets %v", m.Stack.Offsets())
	}
}
