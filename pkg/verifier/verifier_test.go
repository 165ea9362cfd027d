package verifier

import (
	"strings"
	"testing"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/cfg"
	"github.com/fortiblox/ebpfcheck/pkg/extractor"
)

func buildCfg(t *testing.T, insns []asm.Instruction) *cfg.Cfg {
	t.Helper()
	c, err := cfg.Build(insns)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	return c
}

func TestAnalyzerAbsValidateTrivialProgramVerifies(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 0}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{})
	res, err := a.AbsValidate(c, info)
	if err != nil {
		t.Fatalf("AbsValidate: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected trivial r0=0; exit to verify, got failures=%+v", res.Failures)
	}
}

func TestAnalyzerRejectsReadFromUninitializedRegister(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinAdd, Dst: asm.Reg{V: 1}, V: asm.Imm{V: 4}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{})
	res, err := a.AbsValidate(c, info)
	if err == nil && res.Verified {
		t.Fatalf("expected either an internal-invariant error or a discharge failure for reading r1 uninitialized")
	}
}

func TestAnalyzerStackStoreThenLoadVerifies(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 1}, V: asm.Imm{V: 7}},
		asm.Mem{
			Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: -8, Width: 8},
			Value:  asm.Reg{V: 1},
			IsLoad: false,
		},
		asm.Mem{
			Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: -8, Width: 8},
			Value:  asm.Reg{V: 2},
			IsLoad: true,
		},
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 0}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{})
	res, err := a.AbsValidate(c, info)
	if err != nil {
		t.Fatalf("AbsValidate: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected stack store-then-load to verify, got failures=%+v", res.Failures)
	}
}

func TestAnalyzerRejectsOutOfBoundsStackAccess(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 1}, V: asm.Imm{V: 7}},
		asm.Mem{
			Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: -1024, Width: 8},
			Value:  asm.Reg{V: 1},
			IsLoad: false,
		},
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 0}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{})
	res, err := a.AbsValidate(c, info)
	if err != nil {
		t.Fatalf("AbsValidate: %v", err)
	}
	if res.Verified {
		t.Fatalf("expected an out-of-bounds stack store at offset -1024 to fail discharge")
	}
}

func TestAnalyzerRunExhaustsTinyBudget(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 0}},
		asm.Jmp{Cond: &asm.Condition{Left: asm.Reg{V: asm.R0}, Op: asm.OpEQ, Right: asm.Imm{V: 0}}, Target: 3},
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 1}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{AnalysisBudget: 1})
	a.ExplicateAssertions(c, info)
	_, _, err := a.Run(c, info)
	if err == nil {
		t.Fatalf("expected a 1-pop budget to be exceeded by a multi-block CFG")
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Fatalf("error = %v, want budget-exceeded wrapping", err)
	}
}

func TestAnalysisBudgetConsumeAndExhaustion(t *testing.T) {
	b := NewAnalysisBudget(2)
	if b.IsExhausted() {
		t.Fatalf("fresh budget should not be exhausted")
	}
	if err := b.Consume(1); err != nil {
		t.Fatalf("Consume(1): %v", err)
	}
	if b.Remaining() != 1 {
		t.Fatalf("Remaining() = %d, want 1", b.Remaining())
	}
	if err := b.Consume(2); err != ErrBudgetExceeded {
		t.Fatalf("Consume(2) over a 1-remaining budget = %v, want ErrBudgetExceeded", err)
	}
	if !b.IsExhausted() {
		t.Fatalf("budget should be exhausted after an over-budget Consume")
	}
}

func TestDischargeReportsFailureLocation(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: 1}, V: asm.Imm{V: 7}},
		asm.Mem{
			Access: asm.MemAccess{BaseReg: asm.Reg{V: asm.R10}, Offset: -1024, Width: 8},
			Value:  asm.Reg{V: 1},
			IsLoad: false,
		},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	a := New(extractor.Options{}, Options{})
	a.ExplicateAssertions(c, info)
	pre, _, err := a.Run(c, info)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	verified, failures, err := a.Discharge(c, pre)
	if err != nil {
		t.Fatalf("Discharge: %v", err)
	}
	if verified {
		t.Fatalf("expected discharge to fail on out-of-bounds stack offset")
	}
	if len(failures) == 0 {
		t.Fatalf("expected at least one reported failure")
	}
	for _, f := range failures {
		if f.Description == "" {
			t.Fatalf("failure %+v has empty description", f)
		}
	}
}

func TestPrintInvariantsWritesToOut(t *testing.T) {
	insns := []asm.Instruction{
		asm.Bin{Op: asm.BinMov, Dst: asm.Reg{V: asm.R0}, V: asm.Imm{V: 0}},
		asm.Exit{},
	}
	c := buildCfg(t, insns)
	info := asm.ProgramInfo{}

	var out strings.Builder
	a := New(extractor.Options{}, Options{PrintInvariants: true, Out: &out})
	if _, err := a.AbsValidate(c, info); err != nil {
		t.Fatalf("AbsValidate: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("PrintInvariants=true should write a diagnostic dump to Out")
	}
}
