package analysis

// Function boundary discovery and basic-block partitioning (spec.md 4.G).
// Entry-point candidates come from Objective-C method implementations,
// exported symbols landing in an executable section, LC_UNIXTHREAD's static
// entry point, and branch targets uncovered while walking another function;
// from each candidate, Functions
// disassembles linearly until it reaches an instruction that can end the
// function with no forward branch still dangling into unseen code.

import (
	"fmt"
	"sort"

	"github.com/arm64scope/machoscope/types"
	"golang.org/x/arch/arm64/arm64asm"
)

// Function is a discovered (entry, end) extent, with End exclusive.
type Function struct {
	Entry uint64
	End   uint64
}

// BasicBlock is a (start, end) sub-range of a Function, End exclusive.
type BasicBlock struct {
	Start uint64
	End   uint64
}

// FunctionAnalyzer holds one function's decoded instructions and basic-block
// partition, computed once and cached by the owning Analyzer.
type FunctionAnalyzer struct {
	analyzer     *Analyzer
	fn           Function
	instructions []Instruction
	indexByAddr  map[uint64]int
	blocks       []BasicBlock
}

// Function returns the (entry, end) extent this FunctionAnalyzer covers.
func (fa *FunctionAnalyzer) Function() Function { return fa.fn }

// Instructions returns every instruction decoded for this function, in
// address order.
func (fa *FunctionAnalyzer) Instructions() []Instruction { return fa.instructions }

// BasicBlocks returns the function's basic-block partition, sorted by
// start address, pairwise disjoint, covering [Function.Entry, Function.End).
func (fa *FunctionAnalyzer) BasicBlocks() []BasicBlock { return fa.blocks }

func (fa *FunctionAnalyzer) instructionAt(addr uint64) (Instruction, bool) {
	i, ok := fa.indexByAddr[addr]
	if !ok {
		return Instruction{}, false
	}
	return fa.instructions[i], true
}

func (fa *FunctionAnalyzer) blockFor(addr uint64) (BasicBlock, bool) {
	for _, b := range fa.blocks {
		if addr >= b.Start && addr < b.End {
			return b, true
		}
	}
	return BasicBlock{}, false
}

func (fa *FunctionAnalyzer) instructionsInBlock(b BasicBlock) []Instruction {
	start, ok := fa.indexByAddr[b.Start]
	if !ok {
		return nil
	}
	var out []Instruction
	for i := start; i < len(fa.instructions) && fa.instructions[i].Addr < b.End; i++ {
		out = append(out, fa.instructions[i])
	}
	return out
}

// Functions returns the address of every function the Analyzer has
// discovered, sorted ascending. The first call performs the full entry-point
// discovery and transitive call-target walk; later calls return the cached
// result.
func (a *Analyzer) Functions() ([]uint64, error) {
	a.funcsOnce.Do(func() {
		seen := make(map[uint64]bool)
		var queue []uint64

		add := func(addr uint64) {
			if addr == 0 || seen[addr] {
				return
			}
			sec := a.File.FindSectionForVMAddr(addr)
			if sec == nil || !(sec.Flags.IsPureInstructions() || sec.Flags.IsSomeInstructions()) {
				return
			}
			seen[addr] = true
			queue = append(queue, addr)
		}

		// (a) Objective-C method implementation addresses.
		if classes, err := a.File.GetObjCClasses(); err == nil {
			for _, c := range classes {
				for _, m := range c.InstanceMethods {
					add(m.ImpVMAddr)
				}
				for _, m := range c.ClassMethods {
					add(m.ImpVMAddr)
				}
			}
		}
		if cats, err := a.File.GetObjCCategories(); err == nil {
			for _, c := range cats {
				for _, m := range c.InstanceMethods {
					add(m.ImpVMAddr)
				}
				for _, m := range c.ClassMethods {
					add(m.ImpVMAddr)
				}
			}
		}

		// (b) exported symbol addresses landing in an executable section.
		if a.File.Symtab != nil {
			for _, sym := range a.File.Symtab.Syms {
				if sym.Value == 0 || !sym.Type.IsExternal() || sym.Type.Type() != types.N_SECT {
					continue
				}
				add(sym.Value)
			}
		}

		// (b2) the static entry point recorded in LC_UNIXTHREAD, for the
		// rare arm64 executable that still uses it instead of LC_MAIN.
		if ut := a.File.UnixThread(); ut != nil {
			add(ut.EntryPoint)
		}

		// (c) branch destinations discovered while analyzing another
		// function: walk the queue, building each candidate's function and
		// feeding its direct-call targets back in. Skipped entirely under
		// AnalyzerConfig.EntryPointsOnly, which restricts Functions() to the
		// (a)/(b) entry points themselves.
		if !a.config.EntryPointsOnly {
			for i := 0; i < len(queue); i++ {
				fa, err := a.buildFunction(queue[i])
				if err != nil {
					continue
				}
				for _, in := range fa.instructions {
					if in.Inst.Op != arm64asm.BL {
						continue
					}
					if target, ok := branchTarget(in); ok {
						add(target)
					}
				}
			}
		}

		sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })
		a.functionAddrs = queue
	})
	return a.functionAddrs, a.funcsErr
}

// FunctionAnalyzer returns the cached FunctionAnalyzer for the function
// starting at entry, building it on first access.
func (a *Analyzer) FunctionAnalyzer(entry uint64) (*FunctionAnalyzer, error) {
	return a.buildFunction(entry)
}

func (a *Analyzer) buildFunction(entry uint64) (*FunctionAnalyzer, error) {
	if cached, ok := a.faCache.Get(entry); ok {
		return cached, nil
	}

	sec := a.File.FindSectionForVMAddr(entry)
	if sec == nil {
		return nil, fmt.Errorf("%w: no section contains function entry %#x", errInvalidBytecode, entry)
	}
	code, err := a.sectionData(sec)
	if err != nil {
		return nil, err
	}

	var instructions []Instruction
	seen := make(map[uint64]bool)
	pending := make(map[uint64]bool)
	addr := entry
	end := entry

	for {
		if seen[addr] || addr < sec.Addr || addr >= sec.Addr+sec.Size {
			break
		}
		in, err := decodeAt(code, addr, sec.Addr)
		if err != nil {
			return nil, err
		}
		seen[addr] = true
		instructions = append(instructions, in)
		delete(pending, addr)

		if isDirectBranch(in.Inst) {
			if target, ok := branchTarget(in); ok && target > addr && target < sec.Addr+sec.Size && !seen[target] {
				pending[target] = true
			}
		}

		next := addr + 4
		end = next

		if isFunctionEnder(in.Inst) && len(pending) == 0 {
			break
		}
		if next >= sec.Addr+sec.Size {
			break
		}
		addr = next
	}

	fn := Function{Entry: entry, End: end}
	indexByAddr := make(map[uint64]int, len(instructions))
	for i, in := range instructions {
		indexByAddr[in.Addr] = i
	}

	fa := &FunctionAnalyzer{
		analyzer:     a,
		fn:           fn,
		instructions: instructions,
		indexByAddr:  indexByAddr,
	}
	fa.blocks = computeBasicBlocks(fn, instructions)
	a.faCache.Add(entry, fa)
	return fa, nil
}

// computeBasicBlocks implements spec.md 4.G's boundary union: the function
// entry, every instruction immediately after a block-ending branch or call,
// and every in-function destination of a direct branch (bl/blr targets
// excluded, since a call's destination is not a block of this function).
func computeBasicBlocks(fn Function, instructions []Instruction) []BasicBlock {
	if len(instructions) == 0 {
		return nil
	}

	inFunc := make(map[uint64]bool, len(instructions))
	for _, in := range instructions {
		inFunc[in.Addr] = true
	}

	starts := map[uint64]bool{fn.Entry: true}
	for i, in := range instructions {
		if isBlockEnder(in.Inst) && i+1 < len(instructions) {
			starts[instructions[i+1].Addr] = true
		}
		if isDirectBranch(in.Inst) {
			if target, ok := branchTarget(in); ok && inFunc[target] {
				starts[target] = true
			}
		}
	}

	sorted := make([]uint64, 0, len(starts))
	for s := range starts {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	blocks := make([]BasicBlock, len(sorted))
	for i, s := range sorted {
		end := fn.End
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = BasicBlock{Start: s, End: end}
	}
	return blocks
}
