package analysis

import (
	"testing"

	"golang.org/x/arch/arm64/arm64asm"
)

func TestRegIndex(t *testing.T) {
	tests := []struct {
		reg  arm64asm.Reg
		want int
		ok   bool
	}{
		{arm64asm.X0, 0, true},
		{arm64asm.X7, 7, true},
		{arm64asm.W0, 0, true},
		{arm64asm.W7, 7, true},
		{arm64asm.XZR, 31, true},
		{arm64asm.WZR, 31, true},
		{arm64asm.X29, 29, true},
		{arm64asm.B0, 0, false},
	}
	for _, tt := range tests {
		got, ok := regIndex(tt.reg)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("regIndex(%v) = %d, %v, want %d, %v", tt.reg, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRegOf(t *testing.T) {
	if r, ok := regOf(arm64asm.X3); !ok || r != arm64asm.X3 {
		t.Errorf("regOf(X3) = %v, %v, want X3, true", r, ok)
	}
	if r, ok := regOf(arm64asm.RegSP(arm64asm.X3)); !ok || r != arm64asm.X3 {
		t.Errorf("regOf(RegSP(X3)) = %v, %v, want X3, true", r, ok)
	}
	if _, ok := regOf(arm64asm.PCRel(4)); ok {
		t.Error("regOf(PCRel) ok = true, want false for non-register arg")
	}
}

func TestParseImmArg(t *testing.T) {
	tests := []struct {
		name      string
		arg       arm64asm.Arg
		wantValue uint64
		wantShift uint
		wantOK    bool
	}{
		{"hex imm", arm64asm.Imm{Imm: 0x20}, 0x20, 0, true},
		{"decimal imm", arm64asm.Imm{Imm: 7, Decimal: true}, 7, 0, true},
		{"imm64 hex", arm64asm.Imm64{Imm: 0xdeadbeef}, 0xdeadbeef, 0, true},
		{"non-immediate arg", arm64asm.Reg(arm64asm.X0), 0, 0, false},
	}
	for _, tt := range tests {
		v, sh, ok := parseImmArg(tt.arg)
		if ok != tt.wantOK {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if v != tt.wantValue || sh != tt.wantShift {
			t.Errorf("%s: parseImmArg() = %#x, %d, want %#x, %d", tt.name, v, sh, tt.wantValue, tt.wantShift)
		}
	}
}

func inst(op arm64asm.Op, addr uint64, args ...arm64asm.Arg) Instruction {
	var a arm64asm.Args
	copy(a[:], args)
	return Instruction{Addr: addr, Inst: arm64asm.Inst{Op: op, Args: a}}
}

func TestApplyInstructionMovImmediate(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	fa.applyInstruction(&rf, inst(arm64asm.MOVZ, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x2a}))
	if rf[0].Type != Immediate || rf[0].Value != 0x2a {
		t.Errorf("after MOVZ x0, #0x2a: rf[0] = %+v", rf[0])
	}
}

func TestApplyInstructionMovRegToReg(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	rf[1] = RegisterContents{Type: Immediate, Value: 99}
	fa.applyInstruction(&rf, inst(arm64asm.MOV, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Reg(arm64asm.X1)))
	if rf[0] != rf[1] {
		t.Errorf("after MOV x0, x1: rf[0] = %+v, want copy of rf[1] = %+v", rf[0], rf[1])
	}
}

func TestApplyInstructionMovn(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	fa.applyInstruction(&rf, inst(arm64asm.MOVN, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0}))
	if rf[0].Type != Immediate || rf[0].Value != ^uint64(0) {
		t.Errorf("after MOVN x0, #0: rf[0] = %+v, want all-ones immediate", rf[0])
	}
}

func TestApplyInstructionMovkMergesFieldWithoutDisturbingOtherBits(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	rf[0] = RegisterContents{Type: Immediate, Value: 0xdead0000ffff}
	fa.applyInstruction(&rf, inst(arm64asm.MOVK, 0x104, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x1234}))
	if want := uint64(0xdead00001234); rf[0].Type != Immediate || rf[0].Value != want {
		t.Errorf("after MOVK x0, #0x1234: rf[0] = %+v, want Immediate %#x (only the low 16 bits replaced)", rf[0], want)
	}
}

func TestApplyInstructionMovkOnUntrackedRegisterStartsFromZero(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	fa.applyInstruction(&rf, inst(arm64asm.MOVK, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x99}))
	if rf[0].Type != Immediate || rf[0].Value != 0x99 {
		t.Errorf("after MOVK x0, #0x99 on an untracked register: rf[0] = %+v, want Immediate 0x99", rf[0])
	}
}

func TestApplyInstructionAdrp(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	fa.applyInstruction(&rf, inst(arm64asm.ADRP, 0x100003f04, arm64asm.Reg(arm64asm.X0), arm64asm.PCRel(0x1000)))
	want := (uint64(0x100003f04) &^ 0xfff) + 0x1000
	if rf[0].Type != MemoryAddress || rf[0].Value != want {
		t.Errorf("after ADRP x0, #0x1000: rf[0] = %+v, want MemoryAddress %#x", rf[0], want)
	}
}

func TestApplyInstructionAdr(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	fa.applyInstruction(&rf, inst(arm64asm.ADR, 0x100003f08, arm64asm.Reg(arm64asm.X0), arm64asm.PCRel(0x10)))
	want := uint64(0x100003f08) + 0x10
	if rf[0].Type != MemoryAddress || rf[0].Value != want {
		t.Errorf("after ADR x0, #0x10: rf[0] = %+v, want MemoryAddress %#x", rf[0], want)
	}
}

func TestApplyInstructionAddPreservesType(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	rf[1] = RegisterContents{Type: MemoryAddress, Value: 0x1000}
	fa.applyInstruction(&rf, inst(arm64asm.ADD, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Reg(arm64asm.X1), arm64asm.Imm64{Imm: 0x20}))
	if rf[0].Type != MemoryAddress || rf[0].Value != 0x1020 {
		t.Errorf("after ADD x0, x1, #0x20: rf[0] = %+v, want MemoryAddress 0x1020", rf[0])
	}
}

func TestApplyInstructionSubPreservesType(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	rf[1] = RegisterContents{Type: Immediate, Value: 0x30}
	fa.applyInstruction(&rf, inst(arm64asm.SUB, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Reg(arm64asm.X1), arm64asm.Imm64{Imm: 0x10}))
	if rf[0].Type != Immediate || rf[0].Value != 0x20 {
		t.Errorf("after SUB x0, x1, #0x10: rf[0] = %+v, want Immediate 0x20", rf[0])
	}
}

func TestApplyInstructionAddRegRegLeavesDestinationStale(t *testing.T) {
	fa := &FunctionAnalyzer{}
	var rf regFile
	rf[0] = RegisterContents{Type: Immediate, Value: 0xff}
	rf[1] = RegisterContents{Type: Immediate, Value: 1}
	rf[2] = RegisterContents{Type: Immediate, Value: 2}
	fa.applyInstruction(&rf, inst(arm64asm.ADD, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Reg(arm64asm.X1), arm64asm.Reg(arm64asm.X2)))
	if rf[0].Value != 0xff {
		t.Errorf("ADD x0, x1, x2 (register form) modified rf[0] = %+v, want left stale at 0xff", rf[0])
	}
}

func TestInitialRegFileSeedsArgsOnEntryBlockOnly(t *testing.T) {
	rf := initialRegFile(true)
	for i := 0; i < 8; i++ {
		if rf[i].Type != FunctionArgumentIndex || rf[i].ArgIndex != i {
			t.Errorf("entry block rf[%d] = %+v, want FunctionArgumentIndex %d", i, rf[i], i)
		}
	}

	rf2 := initialRegFile(false)
	for i := 0; i < 8; i++ {
		if rf2[i].Type != Unknown {
			t.Errorf("non-entry block rf2[%d] = %+v, want Unknown", i, rf2[i])
		}
	}
}

func TestGetRegisterContentsAtInstructionIsPreState(t *testing.T) {
	fn := Function{Entry: 0x100, End: 0x110}
	instructions := []Instruction{
		inst(arm64asm.MOVZ, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x5}),
		inst(arm64asm.MOVZ, 0x104, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x9}),
		inst(arm64asm.RET, 0x108),
	}
	indexByAddr := map[uint64]int{0x100: 0, 0x104: 1, 0x108: 2}
	fa := &FunctionAnalyzer{
		fn:           fn,
		instructions: instructions,
		indexByAddr:  indexByAddr,
		blocks:       []BasicBlock{{Start: 0x100, End: 0x110}},
	}

	rc, err := fa.GetRegisterContentsAtInstruction(arm64asm.X0, 0x104)
	if err != nil {
		t.Fatalf("GetRegisterContentsAtInstruction() error = %v", err)
	}
	if rc.Type != Immediate || rc.Value != 0x5 {
		t.Errorf("x0 before the second MOVZ = %+v, want Immediate 0x5 (pre-state)", rc)
	}

	rc, err = fa.GetRegisterContentsAtInstruction(arm64asm.X0, 0x108)
	if err != nil {
		t.Fatalf("GetRegisterContentsAtInstruction() error = %v", err)
	}
	if rc.Type != Immediate || rc.Value != 0x9 {
		t.Errorf("x0 before ret = %+v, want Immediate 0x9", rc)
	}
}

func TestRegFileThroughIsPostState(t *testing.T) {
	fn := Function{Entry: 0x100, End: 0x110}
	instructions := []Instruction{
		inst(arm64asm.MOVZ, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x5}),
		inst(arm64asm.MOVZ, 0x104, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 0x9}),
	}
	indexByAddr := map[uint64]int{0x100: 0, 0x104: 1}
	fa := &FunctionAnalyzer{
		fn:           fn,
		instructions: instructions,
		indexByAddr:  indexByAddr,
		blocks:       []BasicBlock{{Start: 0x100, End: 0x110}},
	}

	rf := fa.regFileThrough(0x100)
	if rf[0].Value != 0x5 {
		t.Errorf("regFileThrough(0x100) rf[0] = %+v, want Immediate 0x5 (inclusive of the instruction at addr)", rf[0])
	}
}
