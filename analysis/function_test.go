package analysis

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/arm64/arm64asm"
)

// straightLineFunction is a function with no branches: entry, one add, ret.
func straightLineFunction() (Function, []Instruction) {
	fn := Function{Entry: 0x100, End: 0x10c}
	instructions := []Instruction{
		inst(arm64asm.MOVZ, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 1}),
		inst(arm64asm.ADD, 0x104, arm64asm.Reg(arm64asm.X0), arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 1}),
		inst(arm64asm.RET, 0x108),
	}
	return fn, instructions
}

func TestComputeBasicBlocksStraightLine(t *testing.T) {
	fn, instructions := straightLineFunction()
	blocks := computeBasicBlocks(fn, instructions)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 for a branch-free function", len(blocks))
	}
	if blocks[0].Start != fn.Entry || blocks[0].End != fn.End {
		t.Errorf("block = %+v, want [%#x, %#x)", blocks[0], fn.Entry, fn.End)
	}
}

// branchingFunction encodes:
//
//	0x100: cbz x0, 0x108   (conditional: falls through to 0x104, or jumps to 0x108)
//	0x104: movz x1, #1
//	0x108: ret
func branchingFunction() (Function, []Instruction) {
	fn := Function{Entry: 0x100, End: 0x10c}
	instructions := []Instruction{
		inst(arm64asm.CBZ, 0x100, arm64asm.Reg(arm64asm.X0), arm64asm.PCRel(0x8)),
		inst(arm64asm.MOVZ, 0x104, arm64asm.Reg(arm64asm.X1), arm64asm.Imm64{Imm: 1}),
		inst(arm64asm.RET, 0x108),
	}
	return fn, instructions
}

func TestComputeBasicBlocksSplitsOnBranchAndTarget(t *testing.T) {
	fn, instructions := branchingFunction()
	blocks := computeBasicBlocks(fn, instructions)

	want := []BasicBlock{
		{Start: 0x100, End: 0x104},
		{Start: 0x104, End: 0x108},
		{Start: 0x108, End: 0x10c},
	}
	if diff := cmp.Diff(want, blocks); diff != "" {
		t.Errorf("computeBasicBlocks() mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeBasicBlocksCallEndsBlockButTargetIsNotATreatedBranchDestination(t *testing.T) {
	fn := Function{Entry: 0x100, End: 0x10c}
	instructions := []Instruction{
		inst(arm64asm.BL, 0x100, arm64asm.PCRel(0x1000)),
		inst(arm64asm.MOVZ, 0x104, arm64asm.Reg(arm64asm.X0), arm64asm.Imm64{Imm: 1}),
		inst(arm64asm.RET, 0x108),
	}
	blocks := computeBasicBlocks(fn, instructions)

	want := []BasicBlock{
		{Start: 0x100, End: 0x104},
		{Start: 0x104, End: 0x10c},
	}
	if diff := cmp.Diff(want, blocks); diff != "" {
		t.Errorf("computeBasicBlocks() mismatch (-want +got): a call ends the caller's basic block even though its own far-away target is not\n%s", diff)
	}
}

func TestComputeBasicBlocksEmpty(t *testing.T) {
	fn := Function{Entry: 0x100, End: 0x100}
	if blocks := computeBasicBlocks(fn, nil); blocks != nil {
		t.Errorf("computeBasicBlocks(nil) = %+v, want nil", blocks)
	}
}

func buildFunctionAnalyzerFor(fn Function, instructions []Instruction) *FunctionAnalyzer {
	indexByAddr := make(map[uint64]int, len(instructions))
	for i, in := range instructions {
		indexByAddr[in.Addr] = i
	}
	fa := &FunctionAnalyzer{
		fn:           fn,
		instructions: instructions,
		indexByAddr:  indexByAddr,
	}
	fa.blocks = computeBasicBlocks(fn, instructions)
	return fa
}

func TestBlockForAndInstructionsInBlock(t *testing.T) {
	fn, instructions := branchingFunction()
	fa := buildFunctionAnalyzerFor(fn, instructions)

	b, ok := fa.blockFor(0x104)
	if !ok {
		t.Fatal("blockFor(0x104) ok = false")
	}
	if b.Start != 0x104 || b.End != 0x108 {
		t.Errorf("blockFor(0x104) = %+v, want [0x104, 0x108)", b)
	}

	inBlock := fa.instructionsInBlock(b)
	if len(inBlock) != 1 || inBlock[0].Addr != 0x104 {
		t.Errorf("instructionsInBlock(%+v) = %+v, want exactly the movz at 0x104", b, inBlock)
	}

	if _, ok := fa.blockFor(0xffff); ok {
		t.Error("blockFor(0xffff) ok = true, want false for an address outside the function")
	}
}

func TestInstructionAt(t *testing.T) {
	fn, instructions := straightLineFunction()
	fa := buildFunctionAnalyzerFor(fn, instructions)

	in, ok := fa.instructionAt(0x104)
	if !ok || in.Inst.Op != arm64asm.ADD {
		t.Errorf("instructionAt(0x104) = %+v, %v, want the ADD instruction", in, ok)
	}
	if _, ok := fa.instructionAt(0x200); ok {
		t.Error("instructionAt(0x200) ok = true, want false")
	}
}

func TestFunctionAndInstructionsAccessors(t *testing.T) {
	fn, instructions := straightLineFunction()
	fa := buildFunctionAnalyzerFor(fn, instructions)

	if fa.Function() != fn {
		t.Errorf("Function() = %+v, want %+v", fa.Function(), fn)
	}
	if len(fa.Instructions()) != len(instructions) {
		t.Errorf("Instructions() returned %d entries, want %d", len(fa.Instructions()), len(instructions))
	}
	if len(fa.BasicBlocks()) == 0 {
		t.Error("BasicBlocks() returned no blocks")
	}
}
