package cfg

import (
	"testing"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
)

func TestBuildStraightLine(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 0}, V: asm.Imm{V: 1}},
		asm.Exit{},
	}
	c, err := Build(insns)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("expected a single basic block, got %d", len(c.Keys()))
	}
}

func TestBuildConditionalBranchHasTwoSuccessors(t *testing.T) {
	cond := asm.Condition{Left: asm.Reg{V: 1}, Op: asm.OpGE, Right: asm.Imm{V: 4}}
	insns := []asm.Instruction{
		asm.Jmp{Cond: &cond, Target: 3},
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 0}, V: asm.Imm{V: 1}},
		asm.Exit{},
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 0}, V: asm.Imm{V: 2}},
		asm.Exit{},
	}
	c, err := Build(insns)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry := c.At(c.Entry)
	if len(entry.Next) != 2 {
		t.Fatalf("conditional jump block should have 2 successors, got %d", len(entry.Next))
	}
	for _, n := range entry.Next {
		synth := c.At(n)
		if len(synth.Instructions) != 1 {
			t.Fatalf("synthetic successor should hold exactly one Assume, got %d instructions", len(synth.Instructions))
		}
		if _, ok := synth.Instructions[0].(asm.Assume); !ok {
			t.Fatalf("synthetic successor's instruction should be Assume, got %T", synth.Instructions[0])
		}
	}
}

func TestBuildRejectsCycles(t *testing.T) {
	insns := []asm.Instruction{
		asm.Jmp{Target: 0},
	}
	_, err := Build(insns)
	if err != ErrCyclicCFG {
		t.Fatalf("expected ErrCyclicCFG, got %v", err)
	}
}

func TestBuildUnconditionalJumpSingleSuccessor(t *testing.T) {
	insns := []asm.Instruction{
		asm.Jmp{Target: 2},
		asm.Exit{}, // dead if unreachable
		asm.Exit{},
	}
	c, err := Build(insns)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry := c.At(c.Entry)
	if len(entry.Next) != 1 || entry.Next[0] != 2 {
		t.Fatalf("unconditional jump should have exactly the target as successor, got %v", entry.Next)
	}
}
