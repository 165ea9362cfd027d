// Package rcp implements the reduced-cartesian-product value domain: an
// abstract value that independently tracks, per region, whether a register
// or stack cell might hold a number, a context offset, a stack offset, a
// packet offset, the packet-end sentinel, a map-value offset (per map
// index), or a map file descriptor (per map index).
//
// Grounded on the PREVAIL eBPF verifier's RCP_domain (original_source/src/ai.cpp
// call sites) and spec.md §4.1; offset arithmetic runs through
// internal/safeint exactly as the reference implementation layers its
// domain on crab::safe_i64.
package rcp

import (
	"sort"

	"github.com/fortiblox/ebpfcheck/internal/abort"
	"github.com/fortiblox/ebpfcheck/internal/safeint"
	"github.com/fortiblox/ebpfcheck/pkg/asm"
)

// Cap is the cardinality above which an OffsetSet widens to Top. spec.md
// §4.1 calls out 4-8 as typical; ebpfcheck uses the upper end of that range.
const Cap = 8

// OffsetSet is either Bot (impossible, the empty set), Top (unconstrained),
// or a small sorted, deduplicated set of concrete signed 64-bit offsets.
type OffsetSet struct {
	top   bool
	elems []int64 // nil/empty means Bot, unless top is set
}

// Bot returns the impossible offset set.
func Bot() OffsetSet { return OffsetSet{} }

// Top returns the unconstrained offset set.
func Top() OffsetSet { return OffsetSet{top: true} }

// Single returns the singleton offset set {v}.
func Single(v int64) OffsetSet { return OffsetSet{elems: []int64{v}} }

// FromSlice builds a deduplicated, capped offset set from arbitrary values.
func FromSlice(vs []int64) OffsetSet {
	return normalize(append([]int64(nil), vs...))
}

func normalize(vs []int64) OffsetSet {
	if len(vs) == 0 {
		return Bot()
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	out := vs[:1]
	for _, v := range vs[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	if len(out) > Cap {
		return Top()
	}
	return OffsetSet{elems: out}
}

// IsBot reports whether the set is the impossible set.
func (o OffsetSet) IsBot() bool { return !o.top && len(o.elems) == 0 }

// IsTop reports whether the set is unconstrained.
func (o OffsetSet) IsTop() bool { return o.top }

// IsSingle reports whether the set holds exactly one concrete value.
func (o OffsetSet) IsSingle() bool { return !o.top && len(o.elems) == 1 }

// Elems returns a copy of the set's concrete elements (empty if Bot or Top).
func (o OffsetSet) Elems() []int64 { return append([]int64(nil), o.elems...) }

// SingleValue returns the one concrete value and true, iff IsSingle.
func (o OffsetSet) SingleValue() (int64, bool) {
	if !o.IsSingle() {
		return 0, false
	}
	return o.elems[0], true
}

// Contains reports whether v is a member of the set.
func (o OffsetSet) Contains(v int64) bool {
	if o.top {
		return true
	}
	for _, e := range o.elems {
		if e == v {
			return true
		}
	}
	return false
}

// Min returns the smallest concrete element. Callers must ensure the set is
// neither Bot nor Top.
func (o OffsetSet) Min() int64 { return o.elems[0] }

// Max returns the largest concrete element. Callers must ensure the set is
// neither Bot nor Top.
func (o OffsetSet) Max() int64 { return o.elems[len(o.elems)-1] }

// Join is the set's least upper bound with p: union, widening to Top above Cap.
func (o OffsetSet) Join(p OffsetSet) OffsetSet {
	if o.top || p.top {
		return Top()
	}
	return normalize(append(append([]int64(nil), o.elems...), p.elems...))
}

// Meet is the set's greatest lower bound with p: intersection (Top is the
// identity, so meeting with Top yields the other operand unchanged).
func (o OffsetSet) Meet(p OffsetSet) OffsetSet {
	if o.top {
		return p
	}
	if p.top {
		return o
	}
	var kept []int64
	for _, v := range o.elems {
		if p.Contains(v) {
			kept = append(kept, v)
		}
	}
	return normalize(kept)
}

// Equal reports set equality.
func (o OffsetSet) Equal(p OffsetSet) bool {
	if o.top != p.top {
		return false
	}
	if o.top {
		return true
	}
	if len(o.elems) != len(p.elems) {
		return false
	}
	for i, v := range o.elems {
		if p.elems[i] != v {
			return false
		}
	}
	return true
}

// Add computes the cartesian sum {a+b : a in o, b in p}, widening to Top on
// cardinality overflow. Overflowing int64 addition aborts analysis per
// spec.md §4.1 ("any overflow ... is a programming error in the transfer
// function").
func (o OffsetSet) Add(p OffsetSet) OffsetSet { return o.combine(p, safeAdd) }

// Sub computes the cartesian difference {a-b : a in o, b in p}.
func (o OffsetSet) Sub(p OffsetSet) OffsetSet { return o.combine(p, safeSub) }

func (o OffsetSet) combine(p OffsetSet, op func(a, b int64) int64) OffsetSet {
	if o.IsBot() || p.IsBot() {
		return Bot()
	}
	if o.top || p.top {
		return Top()
	}
	var out []int64
	for _, a := range o.elems {
		for _, b := range p.elems {
			out = append(out, op(a, b))
		}
	}
	return normalize(out)
}

func safeAdd(a, b int64) int64 {
	r, err := safeint.Add(a, b)
	if err != nil {
		panic(abort.New(err))
	}
	return r
}

func safeSub(a, b int64) int64 {
	r, err := safeint.Sub(a, b)
	if err != nil {
		panic(abort.New(err))
	}
	return r
}

// Recover converts a panic value produced by this package's arithmetic into
// a plain error, or re-panics if the value isn't one of ours. Callers at a
// recovery boundary (pkg/verifier) use this from inside a deferred recover().
func Recover(r interface{}) error { return abort.Recover(r) }

// compare evaluates a scalar ConditionOp between two concrete offsets,
// using unsigned semantics for the unsigned comparison family and signed
// semantics for the S-prefixed family, matching eBPF's two comparison
// families.
func compare(op asm.ConditionOp, a, b int64) bool {
	switch op {
	case asm.OpEQ:
		return a == b
	case asm.OpNE:
		return a != b
	case asm.OpLT:
		return uint64(a) < uint64(b)
	case asm.OpLE:
		return uint64(a) <= uint64(b)
	case asm.OpGT:
		return uint64(a) > uint64(b)
	case asm.OpGE:
		return uint64(a) >= uint64(b)
	case asm.OpSLT:
		return a < b
	case asm.OpSLE:
		return a <= b
	case asm.OpSGT:
		return a > b
	case asm.OpSGE:
		return a >= b
	case asm.OpSET:
		return a&b != 0
	case asm.OpNSET:
		return a&b == 0
	default:
		return false
	}
}

// Filter refines o under the hypothesis "exists b in p with a op b", keeping
// only the elements of o for which that holds. Top operands are left
// unrefined in either direction: a Top p carries no information to filter
// with, and a Top o cannot be enumerated to filter at all — both are
// conservative no-ops, matching spec.md §4.1's "assume" contract.
func (o OffsetSet) Filter(op asm.ConditionOp, p OffsetSet) OffsetSet {
	if p.IsTop() || o.IsTop() {
		return o
	}
	if p.IsBot() || o.IsBot() {
		return Bot()
	}
	var kept []int64
	for _, a := range o.elems {
		for _, b := range p.elems {
			if compare(op, a, b) {
				kept = append(kept, a)
				break
			}
		}
	}
	return normalize(kept)
}

// Satisfied reports whether the constraint "o op p" is already implied by
// o's current value, i.e. filtering would not narrow it further. This is an
// entailment check, not a refinement (spec.md §4.1).
func (o OffsetSet) Satisfied(op asm.ConditionOp, p OffsetSet) bool {
	return o.Equal(o.Filter(op, p))
}
