package analysis

// Per-instruction register dataflow (spec.md 4.H): a deliberately simple,
// flow-insensitive, intra-basic-block constant propagation over a fixed set
// of ARM64 patterns, just enough to recover Objective-C call targets and
// string-literal loads. Register state resets to Unknown at the top of
// every non-entry basic block; nothing survives a block boundary.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	macho "github.com/arm64scope/machoscope"
	"golang.org/x/arch/arm64/arm64asm"
)

// RegisterContentsType tags what kind of value a RegisterContents holds.
type RegisterContentsType int

const (
	Unknown RegisterContentsType = iota
	Immediate
	MemoryAddress
	FunctionArgumentIndex
)

// RegisterContents is the result of the dataflow analyzer's best guess at
// what a register holds at some point in a function, per spec.md 3's
// tagged union, widened with Symbol/String metadata attached when a
// MemoryAddress resolves through §4.E's stub join or a literal string
// section.
type RegisterContents struct {
	Type     RegisterContentsType
	Value    uint64
	ArgIndex int
	Symbol   string
	String   string
}

// regFile tracks one RegisterContents per physical register, indexed by
// regIndex (0-30 general purpose, 31 is shared by the zero and stack
// registers; applyInstruction tracks writes to it like any other slot).
type regFile [32]RegisterContents

func initialRegFile(isEntryBlock bool) regFile {
	var rf regFile
	if isEntryBlock {
		for i := 0; i < 8; i++ {
			rf[i] = RegisterContents{Type: FunctionArgumentIndex, ArgIndex: i}
		}
	}
	return rf
}

// regIndex maps a W or X register to its physical register slot. W0..WZR
// and X0..XZR are parallel halves of the same 31 general-purpose registers
// plus the zero register, laid out sequentially by arm64asm.
func regIndex(r arm64asm.Reg) (int, bool) {
	switch {
	case r >= arm64asm.W0 && r <= arm64asm.WZR:
		return int(r - arm64asm.W0), true
	case r >= arm64asm.X0 && r <= arm64asm.XZR:
		return int(r - arm64asm.X0), true
	}
	return 0, false
}

func regOf(a arm64asm.Arg) (arm64asm.Reg, bool) {
	switch v := a.(type) {
	case arm64asm.Reg:
		return v, true
	case arm64asm.RegSP:
		return arm64asm.Reg(v), true
	}
	return 0, false
}

func regIndexOf(a arm64asm.Arg) (int, bool) {
	r, ok := regOf(a)
	if !ok {
		return 0, false
	}
	return regIndex(r)
}

// immShiftPattern matches the two string forms arm64asm.Imm, arm64asm.Imm64
// and arm64asm.ImmShift render through their String() methods: "#0x1234" or
// "#0x1234, LSL #16" (occasionally "MSL"). Their numeric fields are
// unexported, so parsing the rendered text is the only way to recover them
// outside the arm64asm package itself -- the same technique
// other_examples/Dhruvchaudhary255-reverse__trace_disasm.go uses for Imm.
var immShiftPattern = regexp.MustCompile(`^#(0x[0-9a-fA-F]+|\d+)(?:, [LM]SL #(\d+))?$`)

func parseImmArg(a arm64asm.Arg) (value uint64, shift uint, ok bool) {
	switch a.(type) {
	case arm64asm.Imm, arm64asm.Imm64, arm64asm.ImmShift:
	default:
		return 0, 0, false
	}
	s, ok := a.(fmt.Stringer)
	if !ok {
		return 0, 0, false
	}
	m := immShiftPattern.FindStringSubmatch(s.String())
	if m == nil {
		return 0, 0, false
	}
	var v uint64
	var err error
	if strings.HasPrefix(m[1], "0x") {
		v, err = strconv.ParseUint(m[1][2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(m[1], 10, 64)
	}
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		sh, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		shift = uint(sh)
	}
	return v, shift, true
}

// memOffsetPattern recovers a MemImmediate's offset from its rendered text
// ("[x0,#8]"); the struct's imm field is unexported.
var memOffsetPattern = regexp.MustCompile(`,#(-?\d+)\]`)

func memImmOffset(m arm64asm.MemImmediate) int64 {
	sub := memOffsetPattern.FindStringSubmatch(m.String())
	if sub == nil {
		return 0
	}
	v, err := strconv.ParseInt(sub[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// applyInstruction advances rf by the effect of one instruction, implementing
// spec.md 4.H's pattern table. Anything outside that table leaves rf
// unchanged for every register it didn't recognize how to update: an
// unrecognized write leaves that register's previous (possibly stale)
// contents in place rather than the analysis aborting.
func (fa *FunctionAnalyzer) applyInstruction(rf *regFile, in Instruction) {
	inst := in.Inst
	if inst.Args[0] == nil {
		return
	}

	switch inst.Op {
	case arm64asm.MOV:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		if s, ok := regOf(inst.Args[1]); ok {
			if si, ok := regIndex(s); ok {
				rf[d] = rf[si]
			}
			return
		}
		if v, shift, ok := parseImmArg(inst.Args[1]); ok {
			rf[d] = RegisterContents{Type: Immediate, Value: v << shift}
		}

	case arm64asm.MOVZ:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		if v, shift, ok := parseImmArg(inst.Args[1]); ok {
			rf[d] = RegisterContents{Type: Immediate, Value: v << shift}
		}

	case arm64asm.MOVN:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		if v, shift, ok := parseImmArg(inst.Args[1]); ok {
			rf[d] = RegisterContents{Type: Immediate, Value: ^(v << shift)}
		}

	case arm64asm.MOVK:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		v, shift, ok := parseImmArg(inst.Args[1])
		if !ok {
			return
		}
		base := uint64(0)
		if rf[d].Type == Immediate {
			base = rf[d].Value
		}
		mask := uint64(0xffff) << shift
		rf[d] = RegisterContents{Type: Immediate, Value: (base &^ mask) | (v << shift)}

	case arm64asm.ADRP:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		rel, ok := inst.Args[1].(arm64asm.PCRel)
		if !ok {
			return
		}
		rf[d] = fa.attachLiteralAddr(RegisterContents{Type: MemoryAddress, Value: (in.Addr &^ 0xfff) + uint64(rel)})

	case arm64asm.ADR:
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		rel, ok := inst.Args[1].(arm64asm.PCRel)
		if !ok {
			return
		}
		rf[d] = fa.attachLiteralAddr(RegisterContents{Type: MemoryAddress, Value: in.Addr + uint64(rel)})

	case arm64asm.ADD, arm64asm.SUB:
		if inst.Args[2] == nil {
			return
		}
		d, ok := regIndexOf(inst.Args[0])
		if !ok {
			return
		}
		n, ok := regIndexOf(inst.Args[1])
		if !ok {
			return
		}
		v, shift, ok := parseImmArg(inst.Args[2])
		if !ok {
			// Register-register add/sub isn't in spec.md 4.H's pattern
			// table; leave the destination's prior contents stale rather
			// than guess.
			return
		}
		delta := v << shift
		switch rf[n].Type {
		case MemoryAddress, Immediate:
			val := rf[n].Value
			if inst.Op == arm64asm.ADD {
				val += delta
			} else {
				val -= delta
			}
			rc := RegisterContents{Type: rf[n].Type, Value: val}
			if rc.Type == MemoryAddress {
				rc = fa.attachLiteralAddr(rc)
			}
			rf[d] = rc
		default:
			rf[d] = RegisterContents{}
		}

	case arm64asm.LDR:
		fa.applyLoad(rf, in)
	}
}

func (fa *FunctionAnalyzer) applyLoad(rf *regFile, in Instruction) {
	inst := in.Inst
	if inst.Args[1] == nil {
		return
	}
	d, ok := regIndexOf(inst.Args[0])
	if !ok {
		return
	}
	mem, ok := inst.Args[1].(arm64asm.MemImmediate)
	if !ok {
		return
	}
	n, ok := regIndex(arm64asm.Reg(mem.Base))
	if !ok {
		return
	}
	base := rf[n]
	if base.Type != MemoryAddress {
		rf[d] = RegisterContents{}
		return
	}
	effAddr := uint64(int64(base.Value) + memImmOffset(mem))
	rf[d] = fa.analyzer.dereference(effAddr)
}

// dereference implements the four outcomes for a load whose source
// address is known: a resolved stub/import pointer, a literal-string-section
// load, a classref/selref-style reference slot kept as-is (because that
// is the key the classref/selref lookups in analyzer.go use), or a generic
// pointer read through any other readable data section.
func (a *Analyzer) dereference(addr uint64) RegisterContents {
	sec := a.File.FindSectionForVMAddr(addr)
	if sec == nil {
		return RegisterContents{}
	}

	switch {
	case sec.Flags.IsLazySymbolPointers(), sec.Flags.IsNonLazySymbolPointers():
		if name, ok := a.importedSymbolForPointer(addr); ok {
			return RegisterContents{Type: MemoryAddress, Value: addr, Symbol: name}
		}
		return RegisterContents{Type: MemoryAddress, Value: addr}

	case isLiteralStringSection(sec):
		return a.attachLiteral(RegisterContents{Type: MemoryAddress, Value: addr})

	case isObjcReferenceSection(sec):
		return RegisterContents{Type: MemoryAddress, Value: addr}

	default:
		raw, err := a.File.GetSlidPointerAtAddress(addr)
		if err != nil {
			return RegisterContents{}
		}
		return RegisterContents{Type: MemoryAddress, Value: raw}
	}
}

// attachLiteral checks whether rc's address lands in a literal string
// section and, if so, returns rc with its String field set to the literal
// found there. dereference's own LDR-pointer-load case already knows it is
// in such a section; attachLiteralAddr below reuses this for the
// adrp+add/adr direct-materialization patterns spec.md 4.H/4.I also count as
// a string-literal load, where the section still needs identifying first.
func (a *Analyzer) attachLiteral(rc RegisterContents) RegisterContents {
	if rc.Type != MemoryAddress || rc.String != "" {
		return rc
	}
	sec := a.File.FindSectionForVMAddr(rc.Value)
	if sec == nil || !isLiteralStringSection(sec) {
		return rc
	}
	if s, ok := a.literalStringAt(sec, rc.Value); ok {
		rc.String = s
	}
	return rc
}

// attachLiteralAddr is attachLiteral guarded for use from applyInstruction,
// where fa.analyzer is nil in a bare FunctionAnalyzer built for a unit test
// that never touches a real *macho.File.
func (fa *FunctionAnalyzer) attachLiteralAddr(rc RegisterContents) RegisterContents {
	if fa.analyzer == nil {
		return rc
	}
	return fa.analyzer.attachLiteral(rc)
}

func isLiteralStringSection(sec *macho.Section) bool {
	if sec.Flags.IsCstringLiterals() {
		return true
	}
	switch sec.Name {
	case "__objc_methname", "__cfstring":
		return true
	}
	return false
}

func (a *Analyzer) literalStringAt(sec *macho.Section, addr uint64) (string, bool) {
	if sec.Name == "__cfstring" {
		// CFString64Type{IsaVMAddr, Info, Data, Length}: Data is the third
		// 8-byte field.
		dataPtr, err := a.File.GetSlidPointerAtAddress(addr + 16)
		if err != nil {
			return "", false
		}
		s, err := a.File.GetCString(dataPtr)
		if err != nil {
			return "", false
		}
		return s, true
	}
	s, err := a.File.GetCString(addr)
	if err != nil {
		return "", false
	}
	return s, true
}

func isObjcReferenceSection(sec *macho.Section) bool {
	switch sec.Name {
	case "__objc_classrefs", "__objc_superrefs", "__objc_protorefs", "__objc_selrefs":
		return true
	}
	return false
}

func (a *Analyzer) importedSymbolForPointer(addr uint64) (string, bool) {
	m, err := a.ImportedSymbolsToSymbolNames()
	if err != nil {
		return "", false
	}
	name, ok := m[addr]
	return name, ok
}

// regFileThrough applies every instruction in addr's basic block up to and
// including addr, returning the resulting register file. Used internally
// for queries (string-literal loads) that need an instruction's own effect;
// GetRegisterContentsAtInstruction deliberately stops one instruction short
// of this.
func (fa *FunctionAnalyzer) regFileThrough(addr uint64) regFile {
	block, ok := fa.blockFor(addr)
	if !ok {
		return regFile{}
	}
	rf := initialRegFile(block.Start == fa.fn.Entry)
	for _, in := range fa.instructionsInBlock(block) {
		if in.Addr > addr {
			break
		}
		fa.applyInstruction(&rf, in)
		if in.Addr == addr {
			break
		}
	}
	return rf
}

// GetRegisterContentsAtInstruction returns the contents of register reg as
// of reaching instruction addr: the forward-applied effect of every
// instruction in addr's basic block strictly before addr (spec.md 4.H). A
// call instruction never itself writes its argument registers, so this is
// observationally identical to including addr's own effect for every
// instruction this package classifies as a call.
func (fa *FunctionAnalyzer) GetRegisterContentsAtInstruction(reg arm64asm.Reg, addr uint64) (RegisterContents, error) {
	idx, ok := regIndex(reg)
	if !ok {
		return RegisterContents{}, fmt.Errorf("register %s has no tracked dataflow slot", reg)
	}
	block, ok := fa.blockFor(addr)
	if !ok {
		return RegisterContents{}, fmt.Errorf("%#x is not part of function %#x", addr, fa.fn.Entry)
	}
	rf := initialRegFile(block.Start == fa.fn.Entry)
	for _, in := range fa.instructionsInBlock(block) {
		if in.Addr >= addr {
			break
		}
		fa.applyInstruction(&rf, in)
	}
	return rf[idx], nil
}
