// Package asm defines the eBPF/sBPF instruction encoding and the glue types
// the verifier's abstract-interpretation core operates on: registers,
// immediates, conditions, the typed instruction union, and the read-only
// program_info record.
//
// The 8-byte instruction layout mirrors the teacher VM's encoding
// (github.com/fortiblox/X1-Stratus/pkg/svm/sbpf): opcode, dst/src register
// nibbles, a 16-bit signed offset, and a 32-bit signed immediate. This
// package does not execute instructions; it only names and decodes them.
package asm

import "fmt"

// Reg is a register index. 0..10 are general purpose (10 is the stack
// pointer); 13 and 14 are the implicit packet-data-end/meta slots used by
// the context-descriptor model.
type Reg struct {
	V uint8
}

// Well-known register indices.
const (
	R0         = 0
	R1         = 1
	R10        = 10 // stack pointer
	DataEndReg = 13 // packet-data-end slot
	MetaReg    = 14 // packet-meta slot
)

func (r Reg) String() string { return fmt.Sprintf("r%d", r.V) }

// Imm is a signed immediate operand.
type Imm struct {
	V int64
}

func (i Imm) String() string { return fmt.Sprintf("%d", i.V) }

// Value is either an immediate or a register: asm.Imm{...} or asm.Reg{...}.
type Value interface {
	isValue()
}

func (Imm) isValue() {}
func (Reg) isValue() {}

// ConditionOp enumerates the scalar comparisons a Jmp/Assume/Assert can use.
type ConditionOp int

const (
	OpEQ ConditionOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpSLT
	OpSLE
	OpSGT
	OpSGE
	OpSET
	OpNSET // negation of OpSET: a&b == 0. Not a real eBPF opcode; synthesized
	// for modelling the fall-through side of a JSET branch.
)

func (op ConditionOp) String() string {
	switch op {
	case OpEQ:
		return "=="
	case OpNE:
		return "!="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpSLT:
		return "s<"
	case OpSLE:
		return "s<="
	case OpSGT:
		return "s>"
	case OpSGE:
		return "s>="
	case OpSET:
		return "&"
	case OpNSET:
		return "!&"
	default:
		return "?"
	}
}

// Negate returns the logical complement of op (a op b == !(a negate(op) b)).
func (op ConditionOp) Negate() ConditionOp {
	switch op {
	case OpEQ:
		return OpNE
	case OpNE:
		return OpEQ
	case OpLT:
		return OpGE
	case OpLE:
		return OpGT
	case OpGT:
		return OpLE
	case OpGE:
		return OpLT
	case OpSLT:
		return OpSGE
	case OpSLE:
		return OpSGT
	case OpSGT:
		return OpSLE
	case OpSGE:
		return OpSLT
	case OpSET:
		return OpNSET
	case OpNSET:
		return OpSET
	default:
		return op
	}
}

// Swap returns the comparison with its operands reversed (a op b == b swap(op) a).
func (op ConditionOp) Swap() ConditionOp {
	switch op {
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	case OpGT:
		return OpLT
	case OpGE:
		return OpLE
	case OpSLT:
		return OpSGT
	case OpSLE:
		return OpSGE
	case OpSGT:
		return OpSLT
	case OpSGE:
		return OpSLE
	default:
		return op
	}
}

// Condition is a comparison between a register and a Value.
type Condition struct {
	Left  Reg
	Op    ConditionOp
	Right Value
}
