package asm

import "fmt"

// Raw is the 8-byte eBPF instruction encoding: opcode, dst/src register
// nibbles, a 16-bit signed offset, and a 32-bit signed immediate. This is
// the same bit layout the teacher's sBPF VM decodes
// (github.com/fortiblox/X1-Stratus/pkg/svm/sbpf.Instruction) — the
// verifier and the interpreter agree on the wire format, they just ask
// different questions about it.
type Raw uint64

// Instruction class bits (bits 0-2).
const (
	classLd    = 0x00
	classLdx   = 0x01
	classSt    = 0x02
	classStx   = 0x03
	classAlu   = 0x04
	classJmp   = 0x05
	classJmp32 = 0x06
	classAlu64 = 0x07
)

// Source bits (bit 3).
const (
	srcK = 0x00 // immediate
	srcX = 0x08 // register
)

// ALU operation codes (bits 4-7).
const (
	aluAdd  = 0x00
	aluSub  = 0x10
	aluMul  = 0x20
	aluDiv  = 0x30
	aluOr   = 0x40
	aluAnd  = 0x50
	aluLsh  = 0x60
	aluRsh  = 0x70
	aluNeg  = 0x80
	aluMod  = 0x90
	aluXor  = 0xa0
	aluMov  = 0xb0
	aluArsh = 0xc0
	aluEnd  = 0xd0
)

// Memory size bits (bits 3-4 of load/store opcodes).
const (
	sizeW  = 0x00
	sizeH  = 0x08
	sizeB  = 0x10
	sizeDW = 0x18
)

// Memory mode bits (bits 5-7 of load/store opcodes).
const (
	modeImm = 0x00
	modeMem = 0x60
)

// Jump operation codes (bits 4-7).
const (
	jmpJa   = 0x00
	jmpJeq  = 0x10
	jmpJgt  = 0x20
	jmpJge  = 0x30
	jmpJset = 0x40
	jmpJne  = 0x50
	jmpJsgt = 0x60
	jmpJsge = 0x70
	jmpCall = 0x80
	jmpExit = 0x90
	jmpJlt  = 0xa0
	jmpJle  = 0xb0
	jmpJslt = 0xc0
	jmpJsle = 0xd0
)

const opLddw = 0x18 // load 64-bit immediate, occupies two instruction slots

// Op returns the opcode (bits 0-7).
func (i Raw) Op() uint8 { return uint8(i & 0xFF) }

// Dst returns the destination register (bits 8-11).
func (i Raw) Dst() Reg { return Reg{V: uint8((i >> 8) & 0x0F)} }

// Src returns the source register (bits 12-15).
func (i Raw) Src() Reg { return Reg{V: uint8((i >> 12) & 0x0F)} }

// Off returns the offset (bits 16-31, signed).
func (i Raw) Off() int16 { return int16(i >> 16) }

// Imm returns the immediate value (bits 32-63, signed).
func (i Raw) Imm() int32 { return int32(i >> 32) }

// Encode builds a Raw instruction from its components.
func Encode(op uint8, dst, src Reg, off int16, imm int32) Raw {
	return Raw(op) |
		Raw(dst.V&0x0F)<<8 |
		Raw(src.V&0x0F)<<12 |
		Raw(uint16(off))<<16 |
		Raw(uint32(imm))<<32
}

func condOp(jmpOp uint8) ConditionOp {
	switch jmpOp {
	case jmpJeq:
		return OpEQ
	case jmpJne:
		return OpNE
	case jmpJgt:
		return OpGT
	case jmpJge:
		return OpGE
	case jmpJlt:
		return OpLT
	case jmpJle:
		return OpLE
	case jmpJsgt:
		return OpSGT
	case jmpJsge:
		return OpSGE
	case jmpJslt:
		return OpSLT
	case jmpJsle:
		return OpSLE
	case jmpJset:
		return OpSET
	default:
		return OpEQ
	}
}

func binOp(aluOp uint8) (BinOp, bool) {
	switch aluOp {
	case aluMov:
		return BinMov, true
	case aluAdd:
		return BinAdd, true
	case aluSub:
		return BinSub, true
	case aluMul:
		return BinMul, true
	case aluDiv:
		return BinDiv, true
	case aluOr:
		return BinOr, true
	case aluAnd:
		return BinAnd, true
	case aluLsh:
		return BinLsh, true
	case aluRsh:
		return BinRsh, true
	case aluMod:
		return BinMod, true
	case aluXor:
		return BinXor, true
	case aluArsh:
		return BinArsh, true
	default:
		return 0, false
	}
}

func memWidth(sizeBits uint8) MemWidth {
	switch sizeBits {
	case sizeB:
		return 1
	case sizeH:
		return 2
	case sizeW:
		return 4
	case sizeDW:
		return 8
	default:
		return 0
	}
}

// Decode translates a linear stream of raw 64-bit words into the verifier's
// typed Instruction union. `words[i+1]` is consumed as the high half of a
// Lddw (64-bit immediate load) at index i, exactly as the teacher's VM
// treats it as occupying two instruction slots. A jump's word offset is
// translated so that Jmp.Target indexes the returned slice, not words.
//
// Decode is deliberately narrow: it is the supplemental, in-scope stand-in
// for "however the caller obtained a program_info and a typed instruction
// sequence" (spec.md §1 places real ELF/relocation handling out of scope).
func Decode(words []uint64) ([]Instruction, error) {
	out := make([]Instruction, 0, len(words))
	index := make(map[int]int, len(words)) // word index -> instruction index
	for i := 0; i < len(words); i++ {
		index[i] = len(out)
		w := Raw(words[i])
		op := w.Op()
		class := op & 0x07

		switch class {
		case classAlu, classAlu64:
			is64 := class == classAlu64
			aluOp := op & 0xF0
			if aluOp == aluNeg {
				out = append(out, Un{Op: UnNeg, Dst: w.Dst()})
				continue
			}
			if aluOp == aluEnd {
				out = append(out, Un{Op: endianOp(w), Dst: w.Dst()})
				continue
			}
			bop, ok := binOp(aluOp)
			if !ok {
				out = append(out, Undefined{})
				continue
			}
			var v Value
			if op&srcX != 0 {
				v = w.Src()
			} else {
				v = Imm{V: int64(w.Imm())}
			}
			out = append(out, Bin{Op: bop, Dst: w.Dst(), V: v, Is64: is64})

		case classLd:
			if op != opLddw {
				out = append(out, Undefined{})
				continue
			}
			if i+1 >= len(words) {
				return nil, fmt.Errorf("truncated lddw at index %d", i)
			}
			hi := Raw(words[i+1])
			imm := int64(uint32(w.Imm())) | int64(uint32(hi.Imm()))<<32
			out = append(out, Bin{Op: BinMov, Dst: w.Dst(), V: Imm{V: imm}, Is64: true})
			i++

		case classLdx, classSt, classStx:
			sizeBits := op & 0x18
			modeBits := op & 0x60
			if modeBits != modeMem {
				out = append(out, Undefined{})
				continue
			}
			width := memWidth(sizeBits)
			if width == 0 {
				out = append(out, Undefined{})
				continue
			}
			access := MemAccess{BaseReg: w.Dst(), Offset: int64(w.Off()), Width: width}
			switch class {
			case classLdx:
				access.BaseReg = w.Src()
				out = append(out, Mem{Access: access, Value: w.Dst(), IsLoad: true})
			case classStx:
				out = append(out, Mem{Access: access, Value: w.Src(), IsLoad: false})
			case classSt:
				out = append(out, Mem{Access: access, Value: Imm{V: int64(w.Imm())}, IsLoad: false})
			}

		case classJmp, classJmp32:
			jmpOp := op & 0xF0
			switch jmpOp {
			case jmpExit:
				out = append(out, Exit{})
			case jmpCall:
				out = append(out, Call{Func: uint32(int32(w.Imm()))})
			case jmpJa:
				out = append(out, Jmp{Target: i + 1 + int(w.Off())})
			default:
				var right Value
				if op&srcX != 0 {
					right = w.Src()
				} else {
					right = Imm{V: int64(w.Imm())}
				}
				cond := Condition{Left: w.Dst(), Op: condOp(jmpOp), Right: right}
				out = append(out, Jmp{Cond: &cond, Target: i + 1 + int(w.Off())})
			}

		default:
			out = append(out, Undefined{})
		}
	}
	for k, ins := range out {
		j, ok := ins.(Jmp)
		if !ok {
			continue
		}
		if t, ok := index[j.Target]; ok {
			j.Target = t
		} else if j.Target == len(words) {
			j.Target = len(out)
		}
		out[k] = j
	}
	return out, nil
}

func endianOp(w Raw) UnOp {
	// The immediate carries the target width (16/32/64); the source
	// (host-order vs. network-order) is encoded via srcK/srcX exactly as
	// the opcode table's Bin ops are.
	le := w.Op()&srcX == 0
	switch w.Imm() {
	case 16:
		if le {
			return UnEndianLE16
		}
		return UnEndianBE16
	case 32:
		if le {
			return UnEndianLE32
		}
		return UnEndianBE32
	default:
		if le {
			return UnEndianLE64
		}
		return UnEndianBE64
	}
}
