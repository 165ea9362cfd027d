package asm

import "encoding/gob"

// Instruction, Value, and AssertionBody are closed interfaces encoded by
// gob wherever a whole program (pkg/verifycache's digest input,
// pkg/kernelverify's wire payload) needs to cross a byte-stream boundary.
// gob requires every concrete type reachable through an interface field to
// be registered once, process-wide.
func init() {
	gob.Register(Undefined{})
	gob.Register(LoadMapFd{})
	gob.Register(Un{})
	gob.Register(Bin{})
	gob.Register(Jmp{})
	gob.Register(Assume{})
	gob.Register(Exit{})
	gob.Register(Call{})
	gob.Register(Packet{})
	gob.Register(Mem{})
	gob.Register(LockAdd{})
	gob.Register(&Assert{})

	gob.Register(Imm{})
	gob.Register(Reg{})

	gob.Register(LinearConstraint{})
	gob.Register(TypeConstraint{})
	gob.Register(InPacket{})
}
