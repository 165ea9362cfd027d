package asm

// MapDef describes one map definition available to the program.
type MapDef struct {
	KeySize   int
	ValueSize int
	Type      int
}

// Descriptor gives the byte offsets of the context structure's data,
// data-end, and meta pointer fields, plus the context's total size. A
// field that doesn't exist for this program type is encoded as -1, per
// spec.md §3.
type Descriptor struct {
	Data int64
	End  int64
	Meta int64
	Size int64
}

// HasData reports whether the context descriptor has a data field.
func (d Descriptor) HasData() bool { return d.Data >= 0 }

// HasEnd reports whether the context descriptor has a data-end field.
func (d Descriptor) HasEnd() bool { return d.End >= 0 }

// HasMeta reports whether the context descriptor has a meta field.
func (d Descriptor) HasMeta() bool { return d.Meta >= 0 }

// ProgramInfo is the read-only metadata a verification run is parameterised
// over (spec.md §3 "program_info"): program type, ordered map definitions,
// and the context descriptor.
type ProgramInfo struct {
	ProgramType int
	MapDefs     []MapDef
	Descriptor  Descriptor
}
