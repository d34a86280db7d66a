package analysis

// Instruction-level disassembly: a thin wrapper over arm64asm.Decode that
// attaches a virtual address to each decoded instruction and classifies the
// handful of properties the rest of the package cares about (is this a
// branch, a call, does it leave the function). Everything else about an
// instruction is read straight off arm64asm.Inst by callers.

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Instruction is one decoded ARM64 instruction at a known virtual address.
type Instruction struct {
	Addr uint64
	Inst arm64asm.Inst
	Raw  [4]byte
}

// String renders the instruction the way arm64asm does, prefixed with its
// address, e.g. "0x100003f4c: BL .+0xb4".
func (in Instruction) String() string {
	return fmt.Sprintf("%#011x: %s", in.Addr, in.Inst.String())
}

// decodeAt decodes a single instruction from code at the given virtual
// address. code must hold at least 4 bytes at offset (addr-base) relative
// to the section code was read from; base is that section's start address.
func decodeAt(code []byte, addr, base uint64) (Instruction, error) {
	off := addr - base
	if off+4 > uint64(len(code)) {
		return Instruction{}, fmt.Errorf("%w: instruction at %#x runs past end of code", errInvalidBytecode, addr)
	}
	var raw [4]byte
	copy(raw[:], code[off:off+4])
	inst, err := arm64asm.Decode(raw[:])
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %#x: %v", errInvalidBytecode, addr, err)
	}
	return Instruction{Addr: addr, Inst: inst, Raw: raw}, nil
}

// condArg returns the instruction's condition-code argument and true if it
// carries one. B (unconditional) and B<cond> (conditional, i.e. "b.eq",
// "b.ne", ...) decode to the *same* arm64asm.Op value (arm64asm.B); the only
// way to tell them apart is whether Args[0] holds an arm64asm.Cond.
func condArg(inst arm64asm.Inst) (arm64asm.Cond, bool) {
	if inst.Args[0] == nil {
		return arm64asm.Cond{}, false
	}
	c, ok := inst.Args[0].(arm64asm.Cond)
	return c, ok
}

// isConditionalBranch reports whether inst is "b.cond <label>" as opposed to
// plain unconditional "b <label>".
func isConditionalBranch(inst arm64asm.Inst) bool {
	if inst.Op != arm64asm.B {
		return false
	}
	_, ok := condArg(inst)
	return ok
}

// branchTarget returns the absolute destination address of a direct branch
// or compare-and-branch instruction, and true if inst is one of those.
func branchTarget(in Instruction) (uint64, bool) {
	switch in.Inst.Op {
	case arm64asm.B, arm64asm.BL:
		for _, a := range in.Inst.Args {
			if a == nil {
				continue
			}
			if rel, ok := a.(arm64asm.PCRel); ok {
				return uint64(int64(in.Addr) + int64(rel)), true
			}
		}
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		for _, a := range in.Inst.Args {
			if a == nil {
				continue
			}
			if rel, ok := a.(arm64asm.PCRel); ok {
				return uint64(int64(in.Addr) + int64(rel)), true
			}
		}
	}
	return 0, false
}

// isCall reports whether inst transfers control with an implicit return,
// i.e. it is a call rather than a jump: bl <imm> or blr Xn.
func isCall(inst arm64asm.Inst) bool {
	return inst.Op == arm64asm.BL || inst.Op == arm64asm.BLR
}

// isDirectBranch reports whether inst is a direct (non-call) branch whose
// destination is an instruction in this function, per spec.md 4.G: b,
// b.cond, cbz/cbnz, tbz/tbnz. bl is excluded (it is a call, not a block
// edge) and br is excluded (its destination is not statically known).
func isDirectBranch(inst arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.B, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	}
	return false
}

// isBlockEnder reports whether inst is one of the instruction classes that
// close a basic block: every branch family in spec.md 4.G's union, plus ret.
func isBlockEnder(inst arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.B, arm64asm.BL, arm64asm.BLR, arm64asm.BR, arm64asm.RET,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	}
	return false
}

// isFunctionEnder reports whether inst can end a function outright: ret, or
// an unconditional branch (b, br) that is not a conditional/compare variant.
// bl/blr never end a function (control returns to the next instruction);
// b.cond/cbz/cbnz/tbz/tbnz never end a function on their own because the
// fallthrough edge keeps the function open.
func isFunctionEnder(inst arm64asm.Inst) bool {
	if inst.Op == arm64asm.RET || inst.Op == arm64asm.BR {
		return true
	}
	return inst.Op == arm64asm.B && !isConditionalBranch(inst)
}
