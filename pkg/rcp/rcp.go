package rcp

import (
	"github.com/fortiblox/ebpfcheck/internal/abort"
	"github.com/fortiblox/ebpfcheck/internal/safeint"
	"github.com/fortiblox/ebpfcheck/pkg/asm"
)

// Value is the reduced cartesian product: independent per-region knowledge
// about what a register or stack cell might currently hold. Every getter
// below is a projection; the zero Value is Bot() in every component, i.e.
// "this cell holds nothing" (uninitialised).
type Value struct {
	num    OffsetSet
	ctx    OffsetSet
	stack  OffsetSet
	packet OffsetSet
	end    bool // may be the packet-end sentinel

	// mapValue[i] / fd[i] are keyed by map definition index. A missing key
	// is Bot (mapValue) or false (fd), matching the componentwise meet/join
	// identity so callers never need to special-case sparse maps.
	mapValue map[int]OffsetSet
	fd       map[int]bool
}

// BotValue is the value that cannot hold anything: the bottom of every component.
func BotValue() Value { return Value{} }

// WithNum returns a copy of v with its num component set to n.
func (v Value) WithNum(n OffsetSet) Value { w := v.clone(); w.num = n; return w }

// WithCtx returns a copy of v with its ctx component set to n.
func (v Value) WithCtx(n OffsetSet) Value { w := v.clone(); w.ctx = n; return w }

// WithStack returns a copy of v with its stack component set to n.
func (v Value) WithStack(n OffsetSet) Value { w := v.clone(); w.stack = n; return w }

// WithPacket returns a copy of v with its packet component set to n.
func (v Value) WithPacket(n OffsetSet) Value { w := v.clone(); w.packet = n; return w }

// WithPacketEnd returns a copy of v with the packet-end flag set.
func (v Value) WithPacketEnd() Value { w := v.clone(); w.end = true; return w }

// WithMapValue returns a copy of v with map index i's value component set to n.
func (v Value) WithMapValue(i int, n OffsetSet) Value {
	w := v.clone()
	w.mapValue = cloneOffsetMap(w.mapValue)
	if n.IsBot() {
		delete(w.mapValue, i)
	} else {
		if w.mapValue == nil {
			w.mapValue = map[int]OffsetSet{}
		}
		w.mapValue[i] = n
	}
	return w
}

// WithFd returns a copy of v with map index i's fd flag set.
func (v Value) WithFd(i int) Value {
	w := v.clone()
	w.fd = cloneBoolMap(w.fd)
	if w.fd == nil {
		w.fd = map[int]bool{}
	}
	w.fd[i] = true
	return w
}

func (v Value) clone() Value { return v }

func cloneOffsetMap(m map[int]OffsetSet) map[int]OffsetSet {
	if m == nil {
		return nil
	}
	out := make(map[int]OffsetSet, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[int]bool) map[int]bool {
	if m == nil {
		return nil
	}
	out := make(map[int]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetNum, GetCtx, GetStack, GetPacket project out one region's offset set.
func (v Value) GetNum() OffsetSet    { return v.num }
func (v Value) GetCtx() OffsetSet    { return v.ctx }
func (v Value) GetStack() OffsetSet  { return v.stack }
func (v Value) GetPacket() OffsetSet { return v.packet }

// MaybePacketEnd reports whether v might be the packet-end sentinel.
func (v Value) MaybePacketEnd() bool { return v.end }

// GetMapValue projects out map index i's value offset set.
func (v Value) GetMapValue(i int) OffsetSet {
	if v.mapValue == nil {
		return Bot() // OffsetSet Bot, regardless of which component is missing
	}
	return v.mapValue[i]
}

// MaybeFd reports whether v might be a file descriptor for map index i.
func (v Value) MaybeFd(i int) bool { return v.fd != nil && v.fd[i] }

// FdIndices returns every map index v might be a file descriptor for.
func (v Value) FdIndices() []int {
	out := make([]int, 0, len(v.fd))
	for i, ok := range v.fd {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// MapValueIndices returns every map index with a non-Bot value component.
func (v Value) MapValueIndices() []int {
	out := make([]int, 0, len(v.mapValue))
	for i, s := range v.mapValue {
		if !s.IsBot() {
			out = append(out, i)
		}
	}
	return out
}

// MustBeNum reports whether v can only be a plain number: every pointer-ish
// component is Bot and the packet-end flag is clear.
func (v Value) MustBeNum() bool {
	return v.ctx.IsBot() && v.stack.IsBot() && v.packet.IsBot() && !v.end && len(v.mapValue) == 0 && len(v.fd) == 0
}

// MaybePacket reports whether v might be a packet pointer.
func (v Value) MaybePacket() bool { return !v.packet.IsBot() }

// MaybeMap reports whether v might point into some map's value region.
func (v Value) MaybeMap() bool {
	for _, s := range v.mapValue {
		if !s.IsBot() {
			return true
		}
	}
	return false
}

// IsBot reports whether every component of v is Bot/false, i.e. v describes
// an impossible (or not-yet-reached) cell.
func (v Value) IsBot() bool {
	return v.num.IsBot() && v.ctx.IsBot() && v.stack.IsBot() && v.packet.IsBot() &&
		!v.end && len(v.mapValue) == 0 && len(v.fd) == 0
}

// Equal reports whether v and w hold the same value in every component.
// Used by pkg/machine to detect worklist convergence.
func (v Value) Equal(w Value) bool {
	if !v.num.Equal(w.num) || !v.ctx.Equal(w.ctx) || !v.stack.Equal(w.stack) || !v.packet.Equal(w.packet) {
		return false
	}
	if v.end != w.end {
		return false
	}
	if len(v.mapValue) != len(w.mapValue) {
		return false
	}
	for i, s := range v.mapValue {
		if !s.Equal(w.mapValue[i]) {
			return false
		}
	}
	if len(v.fd) != len(w.fd) {
		return false
	}
	for i, ok := range v.fd {
		if ok != w.fd[i] {
			return false
		}
	}
	return true
}

// Join computes the least upper bound of v and w, componentwise.
func (v Value) Join(w Value) Value {
	out := Value{
		num:    v.num.Join(w.num),
		ctx:    v.ctx.Join(w.ctx),
		stack:  v.stack.Join(w.stack),
		packet: v.packet.Join(w.packet),
		end:    v.end || w.end,
	}
	out.mapValue = joinOffsetMaps(v.mapValue, w.mapValue)
	out.fd = orBoolMaps(v.fd, w.fd)
	return out
}

// Meet computes the greatest lower bound of v and w, componentwise.
func (v Value) Meet(w Value) Value {
	out := Value{
		num:    v.num.Meet(w.num),
		ctx:    v.ctx.Meet(w.ctx),
		stack:  v.stack.Meet(w.stack),
		packet: v.packet.Meet(w.packet),
		end:    v.end && w.end,
	}
	out.mapValue = meetOffsetMaps(v.mapValue, w.mapValue)
	out.fd = andBoolMaps(v.fd, w.fd)
	return out
}

func joinOffsetMaps(a, b map[int]OffsetSet) map[int]OffsetSet {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := map[int]OffsetSet{}
	for i := range union(a, b) {
		s := a[i].Join(b[i])
		if !s.IsBot() {
			out[i] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func meetOffsetMaps(a, b map[int]OffsetSet) map[int]OffsetSet {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := map[int]OffsetSet{}
	for i := range union(a, b) {
		s := a[i].Meet(b[i])
		if !s.IsBot() {
			out[i] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func union(a, b map[int]OffsetSet) map[int]struct{} {
	out := map[int]struct{}{}
	for i := range a {
		out[i] = struct{}{}
	}
	for i := range b {
		out[i] = struct{}{}
	}
	return out
}

func orBoolMaps(a, b map[int]bool) map[int]bool {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := map[int]bool{}
	for i, ok := range a {
		if ok {
			out[i] = true
		}
	}
	for i, ok := range b {
		if ok {
			out[i] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func andBoolMaps(a, b map[int]bool) map[int]bool {
	out := map[int]bool{}
	for i, ok := range a {
		if ok && b[i] {
			out[i] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Zero resets every present pointer component's offset to the singleton {0}
// and clears num to Bot, leaving absent components absent. Used to realign
// a LinearConstraint's "reg+offset" relative to the pointer's own base
// (spec.md §4.1 "zero").
func (v Value) Zero() Value {
	out := v
	out.num = Bot()
	if !v.ctx.IsBot() {
		out.ctx = Single(0)
	}
	if !v.stack.IsBot() {
		out.stack = Single(0)
	}
	if !v.packet.IsBot() {
		out.packet = Single(0)
	}
	if len(v.mapValue) > 0 {
		zeroed := map[int]OffsetSet{}
		for i, s := range v.mapValue {
			if !s.IsBot() {
				zeroed[i] = Single(0)
			}
		}
		out.mapValue = zeroed
	}
	return out
}

// packetArith returns the packet-region offset set to use when v
// participates in pointer arithmetic: the packet component itself, widened
// with knownEnd when v might be the packet-end sentinel. spec.md §4.1:
// "packet_end participates as packet with offset = known max" — knownEnd is
// supplied by the machine's current MinSize bound at the point of use,
// since the RCP value itself carries no numeric packet-end offset.
func (v Value) packetArith(knownEnd int64) OffsetSet {
	if v.end {
		return v.packet.Join(Single(knownEnd))
	}
	return v.packet
}

// Add computes v + w (pointer or number arithmetic), given the machine's
// current known-packet-end bound for resolving a packet-end operand.
func Add(v, w Value, knownEnd int64) Value {
	out := Value{num: v.num.Add(w.num)}
	vPkt, wPkt := v.packetArith(knownEnd), w.packetArith(knownEnd)
	switch {
	case v.MustBeNum() && w.MustBeNum():
		// out.num already holds it
	case w.MustBeNum():
		out.ctx = v.ctx.Add(w.num)
		out.stack = v.stack.Add(w.num)
		out.packet = vPkt.Add(w.num)
		out.mapValue = mapAddScalar(v.mapValue, w.num)
		out.fd = v.fd
	case v.MustBeNum():
		out.ctx = w.ctx.Add(v.num)
		out.stack = w.stack.Add(v.num)
		out.packet = wPkt.Add(v.num)
		out.mapValue = mapAddScalar(w.mapValue, v.num)
		out.fd = w.fd
	}
	return out
}

// Sub computes v - w. A pointer minus a same-region pointer yields a
// number; every other combination follows the same rules as Add with the
// operand order fixed (pointer - number = pointer; number - number = number).
func Sub(v, w Value, knownEnd int64) Value {
	out := Value{num: v.num.Sub(w.num)}
	vPkt, wPkt := v.packetArith(knownEnd), w.packetArith(knownEnd)
	if w.MustBeNum() {
		out.ctx = v.ctx.Sub(w.num)
		out.stack = v.stack.Sub(w.num)
		out.packet = vPkt.Sub(w.num)
		out.mapValue = mapAddScalar(v.mapValue, Single(0).Sub(w.num))
		out.fd = v.fd
		return out
	}
	if v.MustBeNum() {
		return out
	}
	// pointer - pointer: a number contribution per matching region.
	if !v.ctx.IsBot() && !w.ctx.IsBot() {
		out.num = out.num.Join(v.ctx.Sub(w.ctx))
	}
	if !v.stack.IsBot() && !w.stack.IsBot() {
		out.num = out.num.Join(v.stack.Sub(w.stack))
	}
	if !vPkt.IsBot() && !wPkt.IsBot() {
		out.num = out.num.Join(vPkt.Sub(wPkt))
	}
	for i, a := range v.mapValue {
		if b, ok := w.mapValue[i]; ok && !a.IsBot() && !b.IsBot() {
			out.num = out.num.Join(a.Sub(b))
		}
	}
	return out
}

func mapAddScalar(m map[int]OffsetSet, n OffsetSet) map[int]OffsetSet {
	if len(m) == 0 {
		return nil
	}
	out := map[int]OffsetSet{}
	for i, s := range m {
		r := s.Add(n)
		if !r.IsBot() {
			out[i] = r
		}
	}
	return out
}

// Region projects out the offset set for a fixed region index (asm.TNum,
// TCtx, TStack, TPacket) or a map-value region index (0..numMapDefs-1).
// asm.TFd has no offset-set projection; callers test fd-ness with MaybeFd.
func (v Value) Region(region int) OffsetSet {
	switch region {
	case asm.TNum:
		return v.num
	case asm.TCtx:
		return v.ctx
	case asm.TStack:
		return v.stack
	case asm.TPacket:
		return v.packet
	case asm.TFd:
		return Bot()
	default:
		return v.GetMapValue(region)
	}
}

// WithRegion returns a copy of v with the given region's offset set replaced.
func (v Value) WithRegion(region int, s OffsetSet) Value {
	switch region {
	case asm.TNum:
		return v.WithNum(s)
	case asm.TCtx:
		return v.WithCtx(s)
	case asm.TStack:
		return v.WithStack(s)
	case asm.TPacket:
		return v.WithPacket(s)
	case asm.TFd:
		return v
	default:
		return v.WithMapValue(region, s)
	}
}

// MaybeFdAny reports whether v might be a file descriptor for any map index.
func (v Value) MaybeFdAny() bool { return len(v.fd) > 0 }

// MatchesTypes reports whether v cannot possibly lie outside the given
// region set: every region not in types is Bot/false across v. This is the
// entailment check behind an unconditional TypeConstraint (spec.md §4.5):
// "reg is asserted to lie within types".
func (v Value) MatchesTypes(types asm.Types, numMapDefs int) bool {
	for _, r := range asm.RegionIndices(numMapDefs) {
		if types.Has(asm.Single(r)) {
			continue
		}
		if r == asm.TFd {
			if v.MaybeFdAny() {
				return false
			}
			continue
		}
		if !v.Region(r).IsBot() {
			return false
		}
	}
	return true
}

// RestrictToTypes returns v with every region outside types cleared to
// Bot/false: the refinement counterpart of MatchesTypes, applied when an
// Assert is treated as an assume (spec.md §4.6).
func (v Value) RestrictToTypes(types asm.Types, numMapDefs int) Value {
	out := v
	for _, r := range asm.RegionIndices(numMapDefs) {
		if types.Has(asm.Single(r)) {
			continue
		}
		if r == asm.TFd {
			out.fd = nil
			continue
		}
		out = out.WithRegion(r, Bot())
	}
	return out
}

// AssumeTypes refines v under the hypothesis "v op other", scoped to the
// regions named by types: for each such region where other carries
// information (its projection isn't Bot), v's projection is filtered to the
// elements consistent with op against other's. A region other says nothing
// about is left untouched — spec.md §4.1's "assume(left, op, right,
// when_types)", with when_types=All covering the unconditional Assume
// instruction and a narrower set covering a LinearConstraint assertion.
func (v Value) AssumeTypes(op asm.ConditionOp, other Value, types asm.Types, numMapDefs int) Value {
	out := v
	for _, r := range asm.RegionIndices(numMapDefs) {
		if r == asm.TFd || !types.Has(asm.Single(r)) {
			continue
		}
		rightSet := other.Region(r)
		if rightSet.IsBot() {
			continue
		}
		out = out.WithRegion(r, out.Region(r).Filter(op, rightSet))
	}
	return out
}

// SatisfiedTypes is the entailment counterpart of AssumeTypes: true iff
// AssumeTypes would not narrow v any further.
func (v Value) SatisfiedTypes(op asm.ConditionOp, other Value, types asm.Types, numMapDefs int) bool {
	for _, r := range asm.RegionIndices(numMapDefs) {
		if r == asm.TFd || !types.Has(asm.Single(r)) {
			continue
		}
		rightSet := other.Region(r)
		if rightSet.IsBot() {
			continue
		}
		if !v.Region(r).Satisfied(op, rightSet) {
			return false
		}
	}
	return true
}

// RestrictTypesGiven is the conditional counterpart of RestrictToTypes: it
// narrows v to types only under the hypothesis that given might lie within
// givenTypes. When given's given-restricted projection is already Bot (the
// hypothesis cannot possibly hold), the implication is vacuously true and v
// is left unchanged — this is the TypeConstraint.Given case of an Assert
// treated as an assume (spec.md §4.1, §4.5's pairwise ADD/SUB obligations).
func (v Value) RestrictTypesGiven(types asm.Types, given Value, givenTypes asm.Types, numMapDefs int) Value {
	if given.RestrictToTypes(givenTypes, numMapDefs).IsBot() {
		return v
	}
	return v.RestrictToTypes(types, numMapDefs)
}

// MatchesTypesGiven is the entailment counterpart of RestrictTypesGiven.
func (v Value) MatchesTypesGiven(types asm.Types, given Value, givenTypes asm.Types, numMapDefs int) bool {
	if given.RestrictToTypes(givenTypes, numMapDefs).IsBot() {
		return true
	}
	return v.MatchesTypes(types, numMapDefs)
}

// MapLookupElem models the result of looking up v (a map file descriptor
// value) in its map: null (num 0) joined with a zero-offset map-value
// pointer for each map index v might be a descriptor for.
func (v Value) MapLookupElem() Value {
	out := BotValue().WithNum(Single(0))
	for _, i := range v.FdIndices() {
		out = out.Join(BotValue().WithMapValue(i, Single(0)))
	}
	return out
}

// Havoc returns the maximally conservative value: every component is
// unconstrained. Used when a load can't be resolved to a known region (a
// non-singleton ctx offset, or a helper call argument whose backing memory
// may have been overwritten with anything) — spec.md §4.4's "havoc".
func Havoc(numMapDefs int) Value {
	v := Value{num: Top(), ctx: Top(), stack: Top(), packet: Top(), end: true}
	if numMapDefs > 0 {
		v.mapValue = map[int]OffsetSet{}
		v.fd = map[int]bool{}
		for i := 0; i < numMapDefs; i++ {
			v.mapValue[i] = Top()
			v.fd[i] = true
		}
	}
	return v
}

// Exec applies a non-add/sub binary ALU operation (or/and/mul/div/...).
// Only plain numbers produce a precise result: when both operands must be
// numbers and each num component is a single value, the result is that one
// computed number. Every other case, including any pointer-ish operand or a
// multi-valued num set, yields num-⊤.
func Exec(op asm.BinOp, v, w Value) Value {
	a, aok := v.num.SingleValue()
	b, bok := w.num.SingleValue()
	if v.MustBeNum() && w.MustBeNum() {
		if aok && bok {
			if r, ok := execScalar(op, a, b); ok {
				return Value{num: Single(r)}
			}
		}
		return Value{num: Top()}
	}
	return Value{num: Top()}
}

func execScalar(op asm.BinOp, a, b int64) (int64, bool) {
	switch op {
	case asm.BinOr:
		return a | b, true
	case asm.BinAnd:
		return a & b, true
	case asm.BinXor:
		return a ^ b, true
	case asm.BinLsh:
		return a << uint64(b&63), true
	case asm.BinRsh:
		return int64(uint64(a) >> uint64(b&63)), true
	case asm.BinArsh:
		return a >> uint64(b&63), true
	case asm.BinMul:
		return safeMul(a, b)
	case asm.BinDiv:
		if b == 0 {
			return 0, true // eBPF division by zero yields 0, not a fault
		}
		return safeDiv(a, b)
	case asm.BinMod:
		if b == 0 {
			return a, true // eBPF mod by zero yields the dividend unchanged
		}
		return a % b, true
	default:
		return 0, false
	}
}

func safeMul(a, b int64) (int64, bool) {
	r, err := safeint.Mul(a, b)
	if err != nil {
		panic(abort.New(err))
	}
	return r, true
}

func safeDiv(a, b int64) (int64, bool) {
	r, err := safeint.Div(a, b)
	if err != nil {
		panic(abort.New(err))
	}
	return r, true
}
