// Package stackmem implements the stack memory domain: a map from concrete
// byte offsets to abstract rcp.Value cells, supporting precise (strong)
// stores at a known offset and conservative (weak) stores when the address
// or width isn't fully known.
//
// Grounded on original_source/src/ai.cpp's MemDom/Machine::store/load_stack
// and spec.md §4.2.
package stackmem

import (
	"sort"

	"github.com/fortiblox/ebpfcheck/pkg/rcp"
)

// cell is a tracked byte range: [offset, offset+width) holds value, keyed
// in Mem.cells by its starting offset. Tracking width alongside the value
// is what lets Store/Load tell a partial overwrite of a wider cell from an
// exact re-store of the same range.
type cell struct {
	width int
	value rcp.Value
}

// Mem is the stack memory domain: Bot until the first Init, after which it
// tracks a sparse set of byte cells. Per spec.md §4.2, reading a single
// untouched offset (or ⊤) yields ⊤ — the byte might hold anything — while
// reading a multi-valued offset set that overlaps nothing tracked yields
// Bot, since none of the candidate addresses contributed a value to join.
type Mem struct {
	bot   bool
	cells map[int64]cell
}

// Bot returns the unreachable stack memory state.
func Bot() Mem { return Mem{bot: true} }

// Init returns the empty (but reachable) stack memory state: every byte
// unwritten.
func Init() Mem { return Mem{cells: map[int64]cell{}} }

// IsBot reports whether m is unreachable.
func (m Mem) IsBot() bool { return m.bot }

func (m Mem) clone() Mem {
	if m.bot {
		return m
	}
	out := make(map[int64]cell, len(m.cells))
	for k, v := range m.cells {
		out[k] = v
	}
	return Mem{cells: out}
}

// overlaps reports whether byte ranges [aOff, aOff+aWidth) and
// [bOff, bOff+bWidth) share at least one byte.
func overlaps(aOff int64, aWidth int, bOff int64, bWidth int) bool {
	return aOff < bOff+int64(bWidth) && bOff < aOff+int64(aWidth)
}

// Store performs a strong (precise) update of the width bytes starting at
// offset: every tracked cell whose range overlaps [offset, offset+width)
// is invalidated — "overwriting any byte of an existing cell invalidates
// that whole cell" (spec.md §4.2) — and a single new cell spanning exactly
// that range replaces them.
func (m Mem) Store(offset int64, width int, value rcp.Value) Mem {
	if m.bot {
		return m
	}
	out := m.clone()
	for k, c := range out.cells {
		if overlaps(k, c.width, offset, width) {
			delete(out.cells, k)
		}
	}
	out.cells[offset] = cell{width: width, value: value}
	return out
}

// StoreDynamic is spec.md §4.2's store_dynamic: a weak update across every
// (offset, width) combination offsets and widths admit, used when neither
// the address nor the access width is known precisely. The write might
// land on only some of those combinations (or none, for a given offset),
// so a prior cell is never simply overwritten or dropped: a combination
// that matches a tracked cell's range exactly joins into it, and one that
// only partially overlaps widens that cell to the union of both ranges
// (its exact extent can no longer be represented) before joining.
func (m Mem) StoreDynamic(offsets, widths rcp.OffsetSet, value rcp.Value) Mem {
	if m.bot {
		return m
	}
	out := m.clone()
	if offsets.IsTop() || widths.IsTop() {
		for k, c := range out.cells {
			out.cells[k] = cell{width: c.width, value: c.value.Join(value)}
		}
		return out
	}
	for _, o := range offsets.Elems() {
		for _, w := range widths.Elems() {
			out.weakStoreOne(o, int(w), value)
		}
	}
	return out
}

func (m *Mem) weakStoreOne(offset int64, width int, value rcp.Value) {
	type hit struct {
		key int64
		c   cell
	}
	var hits []hit
	for k, c := range m.cells {
		if overlaps(k, c.width, offset, width) {
			hits = append(hits, hit{k, c})
		}
	}
	if len(hits) == 0 {
		m.cells[offset] = cell{width: width, value: value}
		return
	}
	if len(hits) == 1 && hits[0].key == offset && hits[0].c.width == width {
		m.cells[offset] = cell{width: width, value: hits[0].c.value.Join(value)}
		return
	}
	lo, hi := offset, offset+int64(width)
	merged := value
	for _, h := range hits {
		delete(m.cells, h.key)
		if h.key < lo {
			lo = h.key
		}
		if h.key+int64(h.c.width) > hi {
			hi = h.key + int64(h.c.width)
		}
		merged = merged.Join(h.c.value)
	}
	m.cells[lo] = cell{width: int(hi - lo), value: merged}
}

// Load reads width bytes at offset, per spec.md §4.2: a singleton offset
// set returns the tracked cell's value only if it spans exactly
// [o, o+width); a non-singleton set joins the contents of every cell
// overlapping any offset in it; and an offset set that is ⊤, or a
// singleton with no exactly-matching cell, returns ⊤ (treated here as a
// num-⊤ value, the same "give up and call it an opaque number" idiom
// pkg/machine uses elsewhere for an unresolvable region).
func (m Mem) Load(offsets rcp.OffsetSet, width int) rcp.Value {
	if m.bot || offsets.IsBot() {
		return rcp.BotValue()
	}
	top := rcp.BotValue().WithNum(rcp.Top())
	if offsets.IsTop() {
		return top
	}
	if o, ok := offsets.SingleValue(); ok {
		if c, found := m.cells[o]; found && c.width == width {
			return c.value
		}
		return top
	}
	out := rcp.BotValue()
	for _, o := range offsets.Elems() {
		for k, c := range m.cells {
			if o >= k && o < k+int64(c.width) {
				out = out.Join(c.value)
			}
		}
	}
	return out
}

// Join computes the memory state reachable from either predecessor: cells
// present in only one side, or present on both at the same offset but with
// conflicting widths, are dropped — Load already treats an untracked or
// width-mismatched offset as ⊤, so omitting the cell here has the same
// observable effect as spec.md §4.2's "cells present on only one side
// become ⊤ in a join".
func (m Mem) Join(o Mem) Mem {
	if m.bot {
		return o
	}
	if o.bot {
		return m
	}
	out := Init()
	for k, v := range m.cells {
		if w, ok := o.cells[k]; ok && w.width == v.width {
			out.cells[k] = cell{width: v.width, value: v.value.Join(w.value)}
		}
	}
	return out
}

// Meet computes the greatest lower bound: the union of cells, meeting
// where both sides track the same offset with the same width. Unused by
// the worklist driver (which only ever joins predecessor states); kept
// for domain-interface parity with ai.cpp's MemDom::operator&=.
func (m Mem) Meet(o Mem) Mem {
	if m.bot || o.bot {
		return Bot()
	}
	out := Init()
	for k, v := range m.cells {
		out.cells[k] = v
	}
	for k, v := range o.cells {
		if w, ok := out.cells[k]; ok && w.width == v.width {
			out.cells[k] = cell{width: v.width, value: w.value.Meet(v.value)}
		} else if !ok {
			out.cells[k] = v
		}
	}
	return out
}

// Offsets returns every byte offset currently tracked, sorted ascending.
// Exposed so pkg/machine can compare two stack states cell by cell.
func (m Mem) Offsets() []int64 {
	out := make([]int64, 0, len(m.cells))
	for k := range m.cells {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// At returns the value stored at a single tracked offset (Bot if untracked).
func (m Mem) At(offset int64) rcp.Value {
	if m.bot {
		return rcp.BotValue()
	}
	return m.cells[offset].value
}

// WidthAt returns the byte width of the cell tracked at offset, and
// whether a cell is tracked there at all.
func (m Mem) WidthAt(offset int64) (int, bool) {
	if m.bot {
		return 0, false
	}
	c, ok := m.cells[offset]
	return c.width, ok
}
