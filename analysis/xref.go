package analysis

// Cross-reference index (spec.md 4.I, part 2): a function-by-function walk
// that records every direct-branch edge, every objc_msgSend-family call's
// (class, selector), and every string-literal load, indexed for reverse
// lookup. Built once per Analyzer and cached.

import (
	"fmt"
	"sort"

	"golang.org/x/arch/arm64/arm64asm"
)

// StringRef is one instruction that loaded the address of a string literal.
type StringRef struct {
	InstructionAddr uint64
	LiteralAddr     uint64
}

// XRefIndex is the full cross-reference table built by Analyzer.xrefIndex.
type XRefIndex struct {
	branchXrefs   map[uint64][]uint64 // destination -> callers/jumpers
	classSelXrefs map[string][]CallSite
	stringXrefs   map[string][]StringRef
}

func (a *Analyzer) buildXRefIndex() (*XRefIndex, error) {
	idx := &XRefIndex{
		branchXrefs:   make(map[uint64][]uint64),
		classSelXrefs: make(map[string][]CallSite),
		stringXrefs:   make(map[string][]StringRef),
	}

	addrs, err := a.Functions()
	if err != nil {
		return nil, err
	}

	for _, entry := range addrs {
		fa, err := a.buildFunction(entry)
		if err != nil {
			continue
		}
		for _, in := range fa.instructions {
			if target, ok := branchTarget(in); ok {
				idx.branchXrefs[target] = append(idx.branchXrefs[target], in.Addr)
			}

			if isCall(in.Inst) {
				if symbol, ok := fa.callTargetSymbol(in); ok && isObjcDispatch(symbol) {
					className, selectorName := fa.classAndSelectorForCall(in, symbol)
					key := classSelKey(className, selectorName)
					idx.classSelXrefs[key] = append(idx.classSelXrefs[key], CallSite{
						InstructionAddr: in.Addr,
						CallerFunc:      entry,
						ClassName:       className,
						SelectorName:    selectorName,
					})
				}
			}

			if literalMaterializingOps[in.Inst.Op] {
				if s, litAddr, ok := fa.loadedStringLiteral(in); ok {
					idx.stringXrefs[s] = append(idx.stringXrefs[s], StringRef{InstructionAddr: in.Addr, LiteralAddr: litAddr})
				}
			}
		}
	}

	return idx, nil
}

func classSelKey(className, selectorName string) string {
	return className + "\x00" + selectorName
}

// literalMaterializingOps are the spec.md 4.H patterns capable of
// producing a string-literal address in one register write: an ldr
// dereferencing a pointer into a literal-string section, or an adrp+add/adr
// pair computing that section's address outright without going through a
// pointer load at all.
var literalMaterializingOps = map[arm64asm.Op]bool{
	arm64asm.LDR:  true,
	arm64asm.ADRP: true,
	arm64asm.ADR:  true,
	arm64asm.ADD:  true,
	arm64asm.SUB:  true,
}

// loadedStringLiteral reports the string literal one of literalMaterializingOps
// produced the address of, using the register file as of *including* in's
// own effect, since that is the only way to observe what this instruction
// itself produced.
func (fa *FunctionAnalyzer) loadedStringLiteral(in Instruction) (string, uint64, bool) {
	if in.Inst.Args[0] == nil {
		return "", 0, false
	}
	d, ok := regOf(in.Inst.Args[0])
	if !ok {
		return "", 0, false
	}
	rf := fa.regFileThrough(in.Addr)
	idx, ok := regIndex(d)
	if !ok {
		return "", 0, false
	}
	rc := rf[idx]
	if rc.Type != MemoryAddress || rc.String == "" {
		return "", 0, false
	}
	return rc.String, rc.Value, true
}

// StringXrefsTo returns every instruction that loaded the address of
// literal, across the whole binary.
func (a *Analyzer) StringXrefsTo(literal string) ([]StringRef, error) {
	idx, err := a.xrefIndex()
	if err != nil {
		return nil, err
	}
	return idx.stringXrefs[literal], nil
}

// GetCstrings returns every (address, string) pair in the binary's
// null-terminated literal-string sections (__cstring, __objc_methname),
// enumerated directly from section bytes rather than derived from code load
// sites - so a string no disassembled function happens to load still shows
// up, matching strongarm's full __cstring walk (spec.md §6 get_cstrings).
// __cfstring is excluded: it holds CFString64Type structs, not raw bytes,
// and its strings are only reachable through the load-site path xref.go
// already walks.
func (a *Analyzer) GetCstrings() (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, sec := range a.File.Sections {
		if sec.Name == "__cfstring" || !isLiteralStringSection(sec) {
			continue
		}
		dat, err := sec.Data()
		if err != nil {
			continue
		}
		start := 0
		for i, b := range dat {
			if b != 0 {
				continue
			}
			if i > start {
				out[sec.Addr+uint64(start)] = string(dat[start:i])
			}
			start = i + 1
		}
	}
	return out, nil
}

// StringsInFunc returns the string literals loaded by function entry, in
// instruction order.
func (a *Analyzer) StringsInFunc(entry uint64) ([]StringRef, error) {
	fa, err := a.buildFunction(entry)
	if err != nil {
		return nil, err
	}
	var out []StringRef
	for _, in := range fa.instructions {
		if !literalMaterializingOps[in.Inst.Op] {
			continue
		}
		if _, litAddr, ok := fa.loadedStringLiteral(in); ok {
			out = append(out, StringRef{InstructionAddr: in.Addr, LiteralAddr: litAddr})
		}
	}
	return out, nil
}

// BranchXrefsTo returns the address of every instruction with a direct
// branch or call targeting dest, sorted ascending.
func (a *Analyzer) BranchXrefsTo(dest uint64) ([]uint64, error) {
	idx, err := a.xrefIndex()
	if err != nil {
		return nil, err
	}
	out := append([]uint64(nil), idx.branchXrefs[dest]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SymbolNameForBranchDestination resolves dest to the imported symbol name
// it ultimately dispatches to, if dest is a __stubs entry or an imported
// pointer slot - the supplemental view a disassembly listing's "bl" operand
// is usually annotated with.
func (a *Analyzer) SymbolNameForBranchDestination(dest uint64) (string, bool) {
	if name, ok := a.importedSymbolForPointer(dest); ok {
		return name, true
	}
	return a.stubSymbolAt(dest)
}

// ExternalBranchDestinationsToSymbolNames returns every branch/call
// destination discovered across all functions that resolves to an imported
// symbol, keyed by destination address.
func (a *Analyzer) ExternalBranchDestinationsToSymbolNames() (map[uint64]string, error) {
	idx, err := a.xrefIndex()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]string)
	for dest := range idx.branchXrefs {
		if name, ok := a.SymbolNameForBranchDestination(dest); ok {
			out[dest] = name
		}
	}
	return out, nil
}

// ObjcCallSitesFor returns every recovered call site matching the exact
// (className, selectorName) pair, reusing the cached cross-reference index
// rather than re-walking every function.
func (a *Analyzer) ObjcCallSitesFor(className, selectorName string) ([]CallSite, error) {
	idx, err := a.xrefIndex()
	if err != nil {
		return nil, err
	}
	sites, ok := idx.classSelXrefs[classSelKey(className, selectorName)]
	if !ok {
		return nil, fmt.Errorf("no recovered call sites for %s %s", className, selectorName)
	}
	return sites, nil
}
