// Package verifier ties the extractor, the machine's transfer function,
// and the worklist fixpoint together into the three operations spec.md
// §6 exposes to collaborators: explicate_assertions, analyze_rcp, and
// abs_validate. Grounded on original_source/src/ai.cpp's Analyzer/worklist
// functions and src/main_check.cpp's CLI-facing Options shape.
package verifier

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fortiblox/ebpfcheck/internal/abort"
	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/cfg"
	"github.com/fortiblox/ebpfcheck/pkg/extractor"
	"github.com/fortiblox/ebpfcheck/pkg/machine"
)

// ErrInternalInvariant wraps any abort raised by pkg/machine or pkg/rcp
// (an uninitialised-register read, an Undefined instruction, offset
// overflow, or the analysis budget running out) — spec.md §7's
// "malformed instruction semantics" and "offset overflow" classes, both
// surfaced identically here since neither is a program-level failure.
var ErrInternalInvariant = errors.New("verifier: internal invariant violated")

// ErrBudgetExceeded marks an AnalysisBudget running out mid-run (SPEC_FULL.md §5.2).
var ErrBudgetExceeded = errors.New("verifier: analysis budget exceeded")

// DefaultAnalysisBudget bounds worklist pops when Options.AnalysisBudget
// is left at zero: a stand-in for the real eBPF verifier's
// BPF_COMPLEXITY_LIMIT_INSNS, sized generously for the acyclic, non-widened
// graphs this package analyses.
const DefaultAnalysisBudget = 1_000_000

// AnalysisBudget meters worklist pops during Analyzer.Run. Grounded on the
// teacher's pkg/svm ComputeMeter (Consume/Remaining/IsExhausted), minus
// the atomic bookkeeping: spec.md §5 describes the analyser as strictly
// single-threaded, so there is no concurrent consumer to guard against.
type AnalysisBudget struct {
	remaining int
	limit     int
}

// NewAnalysisBudget returns a budget with limit pops available.
func NewAnalysisBudget(limit int) *AnalysisBudget {
	return &AnalysisBudget{remaining: limit, limit: limit}
}

// Consume deducts n pops, returning ErrBudgetExceeded if that would drive
// the budget negative.
func (b *AnalysisBudget) Consume(n int) error {
	if b.remaining < n {
		b.remaining = 0
		return ErrBudgetExceeded
	}
	b.remaining -= n
	return nil
}

// Remaining returns the pops left before exhaustion.
func (b *AnalysisBudget) Remaining() int { return b.remaining }

// IsExhausted reports whether the budget has no pops left.
func (b *AnalysisBudget) IsExhausted() bool { return b.remaining <= 0 }

// Limit returns the budget's original limit.
func (b *AnalysisBudget) Limit() int { return b.limit }

// Options is the explicit, non-global rendering of spec.md §9's
// "global_options" note: PrintInvariants/PrintFailures drive the
// diagnostic dump described in spec.md §6's configuration list, written
// to Out (the CLI wires this to stdout or to a pkg/invariantlog writer).
type Options struct {
	PrintInvariants bool
	PrintFailures   bool
	AnalysisBudget  int
	Out             io.Writer
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}

// Failure names one assertion that the discharger could not prove held.
// Deliberately witness-free per spec.md §6's Non-goals: no proof object,
// no counterexample trace, just enough to locate the failing precondition.
type Failure struct {
	Label       cfg.Label
	Index       int
	Description string
}

// Result is abs_validate's convenience return value: a program-level
// outcome, not a Go error (spec.md §7 draws this distinction explicitly).
type Result struct {
	Verified bool
	Seconds  float64
	Failures []Failure
}

// Analyzer bundles the options driving one verification run: the
// extractor's Privileged flag, the diagnostic Options above, and a fresh
// AnalysisBudget for each Run.
type Analyzer struct {
	ExtractorOptions extractor.Options
	Options          Options
}

// New constructs an Analyzer. AnalysisBudget in opts defaults to
// DefaultAnalysisBudget when left at zero.
func New(extractorOpts extractor.Options, opts Options) *Analyzer {
	return &Analyzer{ExtractorOptions: extractorOpts, Options: opts}
}

func (a *Analyzer) budget() *AnalysisBudget {
	limit := a.Options.AnalysisBudget
	if limit <= 0 {
		limit = DefaultAnalysisBudget
	}
	return NewAnalysisBudget(limit)
}

// ExplicateAssertions rewrites c in place, inserting the extractor's
// preconditions ahead of every instruction (spec.md §6's
// explicate_assertions). Exposed as a separate step so a caller that
// wants to inspect the rewritten CFG before running the fixpoint can do
// so (AbsValidate calls this itself; Run assumes it already ran).
func (a *Analyzer) ExplicateAssertions(c *cfg.Cfg, info asm.ProgramInfo) {
	extractor.ExplicateAssertions(c, info, a.ExtractorOptions)
}

// Run computes pre[L]/post[L] machine states for every label in c via the
// worklist fixpoint of spec.md §4.6. It assumes ExplicateAssertions has
// already run: Assert instructions are treated purely as assumes here,
// exactly as the spec's transfer function does (discharging them is
// Discharge's job, not Run's).
func (a *Analyzer) Run(c *cfg.Cfg, info asm.ProgramInfo) (pre, post map[cfg.Label]machine.Machine, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause := abort.Recover(r)
		pre, post = nil, nil
		err = fmt.Errorf("%w: %w", ErrInternalInvariant, cause)
	}()

	budget := a.budget()
	pre = map[cfg.Label]machine.Machine{}
	post = map[cfg.Label]machine.Machine{}
	for _, l := range c.Keys() {
		pre[l] = machine.NewBottom(info)
		post[l] = machine.NewBottom(info)
	}
	pre[c.Entry] = machine.Init(info)

	visits := map[cfg.Label]int{}
	worklist := []cfg.Label{c.Entry}
	for len(worklist) > 0 {
		l := worklist[0]
		worklist = worklist[1:]
		if len(worklist) > 0 && worklist[0] == l {
			continue // step 5: drop consecutive duplicate worklist entries
		}
		if cErr := budget.Consume(1); cErr != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInternalInvariant, cErr)
		}

		b := c.At(l)
		joined := pre[l]
		for _, p := range b.Prev {
			joined = joined.Join(post[p])
		}
		pre[l] = joined

		next := joined
		for _, ins := range b.Instructions {
			next.Transfer(ins)
		}

		if !next.Equal(post[l]) {
			post[l] = next
			for _, s := range b.Next {
				visits[s]++
				if visits[s] == len(c.At(s).Prev) {
					worklist = append(worklist, s)
				}
			}
		}
	}
	return pre, post, nil
}

// Discharge implements spec.md §4.7: replay each block from its pre[L]
// state, marking every not-yet-satisfied Assert's flag according to
// machine.Satisfied, then advancing via Transfer exactly as Run did. With
// PrintInvariants set, each instruction writes one line to Out: its label
// and index, the state before it, the instruction, and the state after it.
func (a *Analyzer) Discharge(c *cfg.Cfg, pre map[cfg.Label]machine.Machine) (verified bool, failures []Failure, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause := abort.Recover(r)
		verified, failures = false, nil
		err = fmt.Errorf("%w: %w", ErrInternalInvariant, cause)
	}()

	verified = true
	for _, l := range c.Keys() {
		m := pre[l]
		b := c.At(l)
		for idx, ins := range b.Instructions {
			before := m
			if assertion, ok := ins.(*asm.Assert); ok {
				if !assertion.Satisfied && m.Satisfied(assertion.Body) {
					assertion.Satisfied = true
				}
				if !assertion.Satisfied {
					verified = false
					desc := describeAssertion(assertion.Body)
					failures = append(failures, Failure{Label: l, Index: idx, Description: desc})
					if a.Options.PrintFailures {
						fmt.Fprintf(a.Options.out(), "FAIL L%d[%d]: %s\n", l, idx, desc)
					}
				}
			}
			m.Transfer(ins)
			if a.Options.PrintInvariants {
				desc := fmt.Sprintf("%T%+v", ins, ins)
				if assertion, ok := ins.(*asm.Assert); ok {
					desc = fmt.Sprintf("assert %s satisfied=%v", describeAssertion(assertion.Body), assertion.Satisfied)
				}
				fmt.Fprintf(a.Options.out(), "L%d[%d] %v -- %s --> %v\n", l, idx, before, desc, m)
			}
		}
	}
	return verified, failures, nil
}

// AbsValidate is the convenience wrapper of spec.md §6: it explicates
// assertions, runs the fixpoint, and discharges, returning whether the
// program verified plus wall-clock seconds spent.
func (a *Analyzer) AbsValidate(c *cfg.Cfg, info asm.ProgramInfo) (Result, error) {
	start := time.Now()
	a.ExplicateAssertions(c, info)
	pre, _, err := a.Run(c, info)
	if err != nil {
		return Result{}, err
	}
	verified, failures, err := a.Discharge(c, pre)
	if err != nil {
		return Result{}, err
	}
	return Result{Verified: verified, Seconds: time.Since(start).Seconds(), Failures: failures}, nil
}

func describeAssertion(body asm.AssertionBody) string {
	switch a := body.(type) {
	case asm.LinearConstraint:
		return fmt.Sprintf("%s+%d %s (v-w-%d)", a.Reg, a.Offset, a.Op, a.Offset)
	case asm.TypeConstraint:
		if a.Given == nil {
			return fmt.Sprintf("%s : types(%#x)", a.Then.Reg, uint64(a.Then.Types))
		}
		return fmt.Sprintf("given %s : types(%#x), %s : types(%#x)", a.Given.Reg, uint64(a.Given.Types), a.Then.Reg, uint64(a.Then.Types))
	case asm.InPacket:
		return fmt.Sprintf("%s+%d+width <= data_end", a.Reg, a.Offset)
	default:
		return fmt.Sprintf("%T", body)
	}
}
