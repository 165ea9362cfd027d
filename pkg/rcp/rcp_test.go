package rcp

import (
	"testing"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
)

func TestOffsetSetJoinWidensAboveCap(t *testing.T) {
	s := Bot()
	for i := 0; i < Cap+1; i++ {
		s = s.Join(Single(int64(i)))
	}
	if !s.IsTop() {
		t.Fatalf("expected widening to Top after exceeding cap, got %v", s.Elems())
	}
}

func TestOffsetSetMeetIntersects(t *testing.T) {
	a := FromSlice([]int64{1, 2, 3})
	b := FromSlice([]int64{2, 3, 4})
	m := a.Meet(b)
	if !m.Equal(FromSlice([]int64{2, 3})) {
		t.Fatalf("meet = %v, want {2,3}", m.Elems())
	}
}

func TestOffsetSetMeetEmptyIsBot(t *testing.T) {
	a := FromSlice([]int64{1})
	b := FromSlice([]int64{2})
	if !a.Meet(b).IsBot() {
		t.Fatalf("disjoint meet should be Bot")
	}
}

func TestOffsetSetFilterRefines(t *testing.T) {
	s := FromSlice([]int64{0, 1, 2, 3, 10})
	refined := s.Filter(asm.OpLT, Single(4))
	if !refined.Equal(FromSlice([]int64{0, 1, 2, 3})) {
		t.Fatalf("filtered = %v", refined.Elems())
	}
}

func TestOffsetSetFilterTopIsNoOp(t *testing.T) {
	s := FromSlice([]int64{0, 1})
	if !s.Filter(asm.OpLT, Top()).Equal(s) {
		t.Fatalf("filtering against Top should not refine")
	}
}

func TestOffsetSetSatisfied(t *testing.T) {
	s := FromSlice([]int64{5, 6})
	if !s.Satisfied(asm.OpGE, Single(5)) {
		t.Fatalf("expected {5,6} >= 5 to already be satisfied")
	}
	if s.Satisfied(asm.OpGE, Single(6)) {
		t.Fatalf("expected {5,6} >= 6 to not be satisfied (5 fails)")
	}
}

func TestOffsetSetAddOverflowAborts(t *testing.T) {
	defer func() {
		r := recover()
		if err := Recover(r); err == nil {
			t.Fatalf("expected an abort panic on overflow")
		}
	}()
	Single(1).Add(Single(1<<63 - 1))
}

func TestValueZeroResetsPresentPointers(t *testing.T) {
	v := BotValue().WithStack(Single(42)).WithNum(Single(7))
	z := v.Zero()
	if !z.GetStack().Equal(Single(0)) {
		t.Fatalf("zero() should reset stack offset to {0}, got %v", z.GetStack().Elems())
	}
	if !z.GetNum().IsBot() {
		t.Fatalf("zero() should clear num")
	}
	if !z.GetCtx().IsBot() {
		t.Fatalf("zero() should leave absent ctx component absent")
	}
}

func TestValueJoinMeetOnPointer(t *testing.T) {
	a := BotValue().WithStack(Single(0))
	b := BotValue().WithStack(Single(8))
	j := a.Join(b)
	if !j.GetStack().Equal(FromSlice([]int64{0, 8})) {
		t.Fatalf("join = %v", j.GetStack().Elems())
	}
	m := a.Meet(b)
	if !m.IsBot() {
		t.Fatalf("disjoint stack offsets should meet to Bot")
	}
}

func TestAddPtrPlusNumber(t *testing.T) {
	ptr := BotValue().WithStack(Single(0))
	num := BotValue().WithNum(Single(8))
	r := Add(ptr, num, 0)
	if !r.GetStack().Equal(Single(8)) {
		t.Fatalf("ptr+num stack offset = %v, want {8}", r.GetStack().Elems())
	}
	if !r.GetNum().IsBot() {
		t.Fatalf("ptr+num should not also carry a spurious num component")
	}
}

func TestSubPtrMinusPtrSameRegionYieldsNumber(t *testing.T) {
	data := BotValue().WithPacket(Single(0))
	end := BotValue().WithPacketEnd()
	r := Sub(end, data, 64)
	if !r.GetNum().Equal(Single(64)) {
		t.Fatalf("data_end - data = %v, want {64} given knownEnd=64", r.GetNum().Elems())
	}
	if r.MaybePacket() {
		t.Fatalf("pointer-pointer subtraction should not produce a pointer result")
	}
}

func TestSubPtrMinusNumber(t *testing.T) {
	ptr := BotValue().WithPacket(Single(10))
	num := BotValue().WithNum(Single(2))
	r := Sub(ptr, num, 0)
	if !r.GetPacket().Equal(Single(8)) {
		t.Fatalf("packet-2 = %v, want {8}", r.GetPacket().Elems())
	}
}

func TestExecBitwiseOnPlainNumbers(t *testing.T) {
	a := BotValue().WithNum(Single(0b1100))
	b := BotValue().WithNum(Single(0b1010))
	r := Exec(asm.BinAnd, a, b)
	if !r.GetNum().Equal(Single(0b1000)) {
		t.Fatalf("and = %v, want {8}", r.GetNum().Elems())
	}
}

func TestExecOnPointerOperandIsTop(t *testing.T) {
	ptr := BotValue().WithStack(Single(0))
	num := BotValue().WithNum(Single(1))
	r := Exec(asm.BinAnd, ptr, num)
	if !r.GetNum().IsTop() {
		t.Fatalf("bitwise op on a pointer operand should collapse to Top, got %v", r.GetNum().Elems())
	}
}

func TestMapValueJoinKeepsSparseKeys(t *testing.T) {
	a := BotValue().WithMapValue(0, Single(4))
	b := BotValue().WithMapValue(1, Single(8))
	j := a.Join(b)
	if !j.GetMapValue(0).Equal(Single(4)) || !j.GetMapValue(1).Equal(Single(8)) {
		t.Fatalf("join should keep both sparse map entries")
	}
}

func TestFdFlagIsBooleanLattice(t *testing.T) {
	a := BotValue().WithFd(2)
	b := BotValue()
	if !a.Join(b).MaybeFd(2) {
		t.Fatalf("join with Bot should keep the fd flag")
	}
	if a.Meet(b).MaybeFd(2) {
		t.Fatalf("meet with Bot should clear the fd flag")
	}
}
