package stackmem

import (
	"testing"

	"github.com/fortiblox/ebpfcheck/pkg/rcp"
)

func TestLoadUnwrittenSingletonIsTop(t *testing.T) {
	m := Init()
	got := m.Load(rcp.Single(0), 4)
	if !got.GetNum().IsTop() {
		t.Fatalf("reading an unwritten singleton offset should be num-top, got %v", got.GetNum().Elems())
	}
}

func TestLoadUnwrittenMultiOffsetIsBot(t *testing.T) {
	m := Init()
	if !m.Load(rcp.FromSlice([]int64{0, 8}), 4).IsBot() {
		t.Fatalf("reading a multi-offset set that overlaps nothing tracked should be Bot")
	}
}

func TestStrongStoreThenLoad(t *testing.T) {
	m := Init()
	v := rcp.BotValue().WithNum(rcp.Single(42))
	m = m.Store(0, 8, v)
	got := m.Load(rcp.Single(0), 8)
	if !got.GetNum().Equal(rcp.Single(42)) {
		t.Fatalf("load after store = %v, want {42}", got.GetNum().Elems())
	}
}

func TestLoadWithMismatchedWidthIsTop(t *testing.T) {
	m := Init().Store(0, 8, rcp.BotValue().WithNum(rcp.Single(42)))
	got := m.Load(rcp.Single(0), 4)
	if !got.GetNum().IsTop() {
		t.Fatalf("loading a narrower width than the tracked cell should be top, got %v", got.GetNum().Elems())
	}
}

func TestPartialOverwriteInvalidatesWiderCell(t *testing.T) {
	// An 8-byte pointer-shaped cell at -8, then a narrower 2-byte store at
	// -6 (inside it), must invalidate the whole 8-byte cell rather than
	// leaving a stale value reachable through a later 8-byte load.
	m := Init().Store(-8, 8, rcp.BotValue().WithStack(rcp.Single(100)))
	m = m.Store(-6, 2, rcp.BotValue().WithNum(rcp.Single(7)))

	got := m.Load(rcp.Single(-8), 8)
	if !got.GetNum().IsTop() {
		t.Fatalf("stale wider cell should not survive a partial overwrite, got %v", got)
	}
	got2 := m.Load(rcp.Single(-6), 2)
	if !got2.GetNum().Equal(rcp.Single(7)) {
		t.Fatalf("the narrower store itself should still be readable, got %v", got2.GetNum().Elems())
	}
}

func TestStoreDynamicJoinsExactMatch(t *testing.T) {
	m := Init()
	m = m.Store(0, 8, rcp.BotValue().WithNum(rcp.Single(1)))
	m = m.StoreDynamic(rcp.FromSlice([]int64{0, 8}), rcp.Single(8), rcp.BotValue().WithNum(rcp.Single(2)))
	got := m.Load(rcp.Single(0), 8)
	if !got.GetNum().Equal(rcp.FromSlice([]int64{1, 2})) {
		t.Fatalf("dynamic store at a matching offset+width should join, got %v", got.GetNum().Elems())
	}
}

func TestStoreDynamicWidensOnPartialOverlap(t *testing.T) {
	m := Init().Store(0, 8, rcp.BotValue().WithNum(rcp.Single(1)))
	m = m.StoreDynamic(rcp.Single(4), rcp.Single(8), rcp.BotValue().WithNum(rcp.Single(2)))
	// The combination (4,8) only partially overlaps the tracked (0,8)
	// cell, so the result widens to [0,12) rather than keeping a stale
	// precise cell at 0.
	got := m.Load(rcp.Single(0), 12)
	if !got.GetNum().Equal(rcp.FromSlice([]int64{1, 2})) {
		t.Fatalf("widened cell should join both values, got %v", got.GetNum().Elems())
	}
	if !m.Load(rcp.Single(0), 8).GetNum().IsTop() {
		t.Fatalf("the original narrower extent should no longer be exactly readable")
	}
}

func TestJoinDropsCellsAbsentOnEitherPath(t *testing.T) {
	a := Init().Store(0, 8, rcp.BotValue().WithNum(rcp.Single(1)))
	b := Init()
	j := a.Join(b)
	if !j.Load(rcp.Single(0), 8).GetNum().IsTop() {
		t.Fatalf("join should drop a cell not written on both paths")
	}
}

func TestOverlappingStrongStoreInvalidatesPriorCell(t *testing.T) {
	m := Init().Store(0, 8, rcp.BotValue().WithNum(rcp.Single(1)))
	m = m.Store(4, 8, rcp.BotValue().WithNum(rcp.Single(2)))
	if !m.Load(rcp.Single(0), 8).GetNum().IsTop() {
		t.Fatalf("overlapping strong store should invalidate the old cell")
	}
}

func TestBotPropagates(t *testing.T) {
	m := Bot()
	if !m.Store(0, 4, rcp.BotValue()).IsBot() {
		t.Fatalf("store on Bot memory should stay Bot")
	}
}
