package analysis

// Objective-C call-site recovery (spec.md 4.I, part 1): find every
// bl/blr to objc_msgSend and its variants, and use the dataflow analyzer
// to recover the receiver class and selector from the X0/X1 registers at
// the call, falling back to the fast-path selector a msgSend variant's own
// name implies (objc_opt_new, objc_alloc_init, ...) when there is no
// selector argument to read.

import (
	"golang.org/x/arch/arm64/arm64asm"
)

// CallSite is one resolved Objective-C message send.
type CallSite struct {
	InstructionAddr uint64
	CallerFunc      uint64
	ClassName       string
	SelectorName    string
}

// msgSendNames are the imported symbols that dispatch an Objective-C
// message through a selector argument: the common entry point and the
// super-dispatch variant, each with its struct-return ABI variant.
var msgSendNames = map[string]bool{
	"_objc_msgSend":             true,
	"_objc_msgSendSuper2":       true,
	"_objc_msgSend_stret":       true,
	"_objc_msgSendSuper2_stret": true,
}

// fastPathSelectors names the objc4 runtime's inlined fast-path entry
// points - each is itself equivalent to sending a fixed, well-known selector
// without taking one as an argument. This is the set spec.md 4.H/the
// supplemented fast-path table enumerates, resolved from Apple's documented
// objc4/runtime/objc-abi.h entry points.
var fastPathSelectors = map[string]string{
	"_objc_opt_new":                "new",
	"_objc_opt_alloc":              "alloc",
	"_objc_opt_isKindOfClass":      "isKindOfClass:",
	"_objc_opt_respondsToSelector": "respondsToSelector:",
	"_objc_opt_class":              "class",
	"_objc_opt_self":               "self",
	"_objc_alloc_init":             "alloc/init",
}

// isObjcDispatch reports whether symbol is either a true objc_msgSend
// variant (selector read from X1) or one of the fast-path entry points that
// imply their own selector.
func isObjcDispatch(symbol string) bool {
	return msgSendNames[symbol] || fastPathSelectors[symbol] != ""
}

func (fa *FunctionAnalyzer) callTargetSymbol(in Instruction) (string, bool) {
	if !isCall(in.Inst) {
		return "", false
	}
	if in.Inst.Op == arm64asm.BL {
		target, ok := branchTarget(in)
		if !ok {
			return "", false
		}
		name, ok := fa.analyzer.importedSymbolForPointer(target)
		if ok {
			return name, true
		}
		// bl through a resolved stub: the stub's own symbol, not a pointer
		// slot, carries the name.
		name, ok = fa.analyzer.stubSymbolAt(target)
		return name, ok
	}
	// blr Xn: resolve via whatever the dataflow analyzer last loaded into
	// Xn from a lazy/non-lazy pointer section.
	if in.Inst.Args[0] == nil {
		return "", false
	}
	reg, ok := regOf(in.Inst.Args[0])
	if !ok {
		return "", false
	}
	rc, err := fa.GetRegisterContentsAtInstruction(reg, in.Addr)
	if err != nil || rc.Symbol == "" {
		return "", false
	}
	return rc.Symbol, true
}

// classAndSelectorForCall recovers the (class, selector) pair for one
// objc_msgSend-family call site, reading X0 (receiver) and X1 (selector, or
// unused for a fast-path call) as of reaching in.
func (fa *FunctionAnalyzer) classAndSelectorForCall(in Instruction, symbol string) (className, selectorName string) {
	if sel, ok := fastPathSelectors[symbol]; ok {
		selectorName = sel
	} else {
		if rc, err := fa.GetRegisterContentsAtInstruction(arm64asm.X1, in.Addr); err == nil {
			selectorName = fa.analyzer.selectorAt(rc.Value)
		}
	}
	if rc, err := fa.GetRegisterContentsAtInstruction(arm64asm.X0, in.Addr); err == nil {
		className = fa.analyzer.classNameForReceiver(rc)
	}
	return className, selectorName
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// ObjcCallsTo returns every recovered Objective-C call site matching the
// given filters, per spec.md 4.I: classNames/selectorNames act as OR sets
// within themselves and AND between the two dimensions when both are
// non-empty. An empty filter set matches any value on that dimension. If
// requiresBothFound is true, a call site whose class or selector could not
// be resolved at all (not merely "didn't match a nonempty filter") is
// excluded, even when the corresponding filter set is itself empty.
func (a *Analyzer) ObjcCallsTo(classNames, selectorNames []string, requiresBothFound bool) ([]CallSite, error) {
	classSet := toSet(classNames)
	selSet := toSet(selectorNames)

	addrs, err := a.Functions()
	if err != nil {
		return nil, err
	}

	var out []CallSite
	for _, entry := range addrs {
		fa, err := a.buildFunction(entry)
		if err != nil {
			continue
		}
		for _, in := range fa.instructions {
			if !isCall(in.Inst) {
				continue
			}
			symbol, ok := fa.callTargetSymbol(in)
			if !ok || !isObjcDispatch(symbol) {
				continue
			}
			className, selectorName := fa.classAndSelectorForCall(in, symbol)
			if requiresBothFound && (className == "" || selectorName == "") {
				continue
			}
			if classSet != nil && !classSet[className] {
				continue
			}
			if selSet != nil && !selSet[selectorName] {
				continue
			}
			out = append(out, CallSite{
				InstructionAddr: in.Addr,
				CallerFunc:      entry,
				ClassName:       className,
				SelectorName:    selectorName,
			})
		}
	}
	return out, nil
}

// GetImpsForSel returns the implementation address of every Objective-C
// method (instance or class) across the binary whose selector matches
// selectorName.
func (a *Analyzer) GetImpsForSel(selectorName string) ([]uint64, error) {
	var out []uint64

	classes, err := a.File.GetObjCClasses()
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		for _, m := range c.InstanceMethods {
			if m.Name == selectorName {
				out = append(out, m.ImpVMAddr)
			}
		}
		for _, m := range c.ClassMethods {
			if m.Name == selectorName {
				out = append(out, m.ImpVMAddr)
			}
		}
	}

	cats, err := a.File.GetObjCCategories()
	if err != nil {
		return out, nil
	}
	for _, c := range cats {
		for _, m := range c.InstanceMethods {
			if m.Name == selectorName {
				out = append(out, m.ImpVMAddr)
			}
		}
		for _, m := range c.ClassMethods {
			if m.Name == selectorName {
				out = append(out, m.ImpVMAddr)
			}
		}
	}
	return out, nil
}
