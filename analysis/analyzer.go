// Package analysis implements static analysis over a parsed Mach-O file:
// function and basic-block recovery, per-instruction register dataflow, and
// a cross-reference index built on top of the objc/symbol facilities the
// root package exposes.
package analysis

import (
	"fmt"
	"sync"

	macho "github.com/arm64scope/machoscope"
	"github.com/arm64scope/machoscope/types/objc"
	lru "github.com/hashicorp/golang-lru/v2"
)

const functionCacheSize = 512

// Analyzer is the entry point for every operation this package exposes. It
// wraps a parsed *macho.File and lazily builds and caches the derived views
// (function list, basic blocks, classref/selref maps, cross-reference
// index) on first use.
type Analyzer struct {
	File   *macho.File
	config AnalyzerConfig

	funcsOnce     sync.Once
	functionAddrs []uint64
	funcsErr      error

	faCache *lru.Cache[uint64, *FunctionAnalyzer]

	importedOnce sync.Once
	importedErr  error
	ptrToSymbol  map[uint64]string
	stubToSymbol map[uint64]string

	exportedOnce  sync.Once
	exportedErr   error
	exportedNames map[string]uint64

	classrefsOnce sync.Once
	classrefsErr  error
	classByName   map[string]uint64
	classByPtr    map[uint64]string

	selrefsOnce sync.Once
	selrefsErr  error
	selByAddr   map[uint64]string

	sectionsMu sync.Mutex
	sections   map[string][]byte

	xrefOnce sync.Once
	xref     *XRefIndex
	xrefErr  error
}

// AnalyzerConfig is an Analyzer config object, in the same plain-struct,
// single-variadic-argument convention as the root package's FileConfig.
type AnalyzerConfig struct {
	// EntryPointsOnly restricts Functions() to exported/ObjC-IMP entry
	// points, skipping the transitive walk that also adds every direct-call
	// target discovered while disassembling those functions.
	EntryPointsOnly bool
}

// NewAnalyzer constructs an Analyzer over f. All derived state is computed
// lazily; constructing an Analyzer never touches the file's section data.
func NewAnalyzer(f *macho.File, config ...AnalyzerConfig) *Analyzer {
	cache, _ := lru.New[uint64, *FunctionAnalyzer](functionCacheSize)
	a := &Analyzer{
		File:     f,
		faCache:  cache,
		sections: make(map[string][]byte),
	}
	if len(config) > 0 {
		a.config = config[0]
	}
	return a
}

func (a *Analyzer) sectionData(sec *macho.Section) ([]byte, error) {
	key := sec.Seg + "." + sec.Name
	a.sectionsMu.Lock()
	defer a.sectionsMu.Unlock()
	if dat, ok := a.sections[key]; ok {
		return dat, nil
	}
	dat, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errInvalidBytecode, key, err)
	}
	a.sections[key] = dat
	return dat, nil
}

func (a *Analyzer) xrefIndex() (*XRefIndex, error) {
	a.xrefOnce.Do(func() {
		a.xref, a.xrefErr = a.buildXRefIndex()
	})
	return a.xref, a.xrefErr
}

// loadImported builds the two maps ImportedSymbolsToSymbolNames and
// stubSymbolAt draw from, joining ResolveStubs' Stub entries on whichever
// of Pointer/Address is non-zero.
func (a *Analyzer) loadImported() {
	a.importedOnce.Do(func() {
		res, err := a.File.ResolveStubs()
		if err != nil {
			a.importedErr = err
			return
		}
		a.ptrToSymbol = make(map[uint64]string)
		a.stubToSymbol = make(map[uint64]string)
		for _, s := range res.Stubs {
			if s.Symbol == "" {
				continue
			}
			if s.Pointer != 0 {
				a.ptrToSymbol[s.Pointer] = s.Symbol
			}
			if s.Address != 0 {
				a.stubToSymbol[s.Address] = s.Symbol
			}
		}
	})
}

// ImportedSymbolsToSymbolNames maps every resolved __la_symbol_ptr/__got
// pointer-slot address to the imported symbol it is bound to.
func (a *Analyzer) ImportedSymbolsToSymbolNames() (map[uint64]string, error) {
	a.loadImported()
	return a.ptrToSymbol, a.importedErr
}

// ImportedSymbolNamesToPointers is the inverse of ImportedSymbolsToSymbolNames:
// the pointer-slot address bound to a given imported symbol name, if any.
func (a *Analyzer) ImportedSymbolNamesToPointers() (map[string]uint64, error) {
	a.loadImported()
	if a.importedErr != nil {
		return nil, a.importedErr
	}
	out := make(map[string]uint64, len(a.ptrToSymbol))
	for ptr, name := range a.ptrToSymbol {
		out[name] = ptr
	}
	return out, nil
}

func (a *Analyzer) stubSymbolAt(addr uint64) (string, bool) {
	a.loadImported()
	if a.importedErr != nil {
		return "", false
	}
	name, ok := a.stubToSymbol[addr]
	return name, ok
}

// ExportedSymbolNamesToPointers maps every externally-visible, section-defined
// symbol name to its address.
func (a *Analyzer) ExportedSymbolNamesToPointers() (map[string]uint64, error) {
	a.exportedOnce.Do(func() {
		a.exportedNames = make(map[string]uint64)
		if a.File.Symtab == nil {
			return
		}
		for _, sym := range a.File.Symtab.Syms {
			if sym.Value == 0 || sym.Name == "" || !sym.Type.IsExternal() {
				continue
			}
			a.exportedNames[sym.Name] = sym.Value
		}
	})
	return a.exportedNames, a.exportedErr
}

// ObjcClasses returns every Objective-C class the binary defines, a thin
// cache-free pass-through kept here so callers driving analysis don't need
// to reach back into the root package directly.
func (a *Analyzer) ObjcClasses() ([]objc.Class, error) {
	return a.File.GetObjCClasses()
}

// loadClassrefs builds the classref name<->pointer maps used by
// ClassrefForClassName/ClassNameForClassPointer/classNameForReceiver,
// preferring a genuine in-binary class (objc.Class.ClassPtr != 0, resolved
// through GetObjCClass) over the GetBindName external-symbol fallback
// GetObjCClassReferences uses for classes defined in another image.
func (a *Analyzer) loadClassrefs() {
	a.classrefsOnce.Do(func() {
		refs, err := a.File.GetObjCClassReferences()
		if err != nil {
			a.classrefsErr = err
			return
		}
		a.classByName = make(map[string]uint64)
		a.classByPtr = make(map[uint64]string)
		for slot, cls := range refs {
			if cls == nil || cls.Name == "" {
				continue
			}
			a.classByPtr[slot] = cls.Name
			if cls.ClassPtr != 0 {
				a.classByName[cls.Name] = slot
				continue
			}
			if _, exists := a.classByName[cls.Name]; !exists {
				a.classByName[cls.Name] = slot
			}
		}
	})
}

// ClassrefForClassName returns the __objc_classrefs slot address holding a
// reference to className, preferring a resolved in-binary class over an
// external dyld-bound one of the same name.
func (a *Analyzer) ClassrefForClassName(className string) (uint64, error) {
	a.loadClassrefs()
	if a.classrefsErr != nil {
		return 0, a.classrefsErr
	}
	addr, ok := a.classByName[className]
	if !ok {
		return 0, fmt.Errorf("no classref found for class %q", className)
	}
	return addr, nil
}

// ClassNameForClassPointer resolves a __objc_classrefs slot address (as
// recovered by the dataflow analyzer from an adrp+ldr pair) to the class
// name it references.
func (a *Analyzer) ClassNameForClassPointer(slotAddr uint64) (string, error) {
	a.loadClassrefs()
	if a.classrefsErr != nil {
		return "", a.classrefsErr
	}
	name, ok := a.classByPtr[slotAddr]
	if !ok {
		return "", fmt.Errorf("no class reference at %#x", slotAddr)
	}
	return name, nil
}

// classNameForReceiver best-effort resolves an objc_msgSend receiver
// register's contents to a class name: a resolved classref slot first, then
// an imported symbol bound from a pointer slot (a class defined in another
// image, referenced directly rather than through __objc_classrefs).
func (a *Analyzer) classNameForReceiver(rc RegisterContents) string {
	if rc.Type != MemoryAddress {
		return ""
	}
	if name, err := a.ClassNameForClassPointer(rc.Value); err == nil {
		return name
	}
	return rc.Symbol
}

func (a *Analyzer) loadSelrefs() {
	a.selrefsOnce.Do(func() {
		refs, err := a.File.GetObjCSelectorReferences()
		if err != nil {
			a.selrefsErr = err
			return
		}
		a.selByAddr = make(map[uint64]string, len(refs))
		for slot, sel := range refs {
			if sel == nil {
				continue
			}
			a.selByAddr[slot] = sel.Name
		}
	})
}

// SelectorForSelref resolves a __objc_selrefs slot address to the selector
// string it holds.
func (a *Analyzer) SelectorForSelref(slotAddr uint64) (string, error) {
	a.loadSelrefs()
	if a.selrefsErr != nil {
		return "", a.selrefsErr
	}
	name, ok := a.selByAddr[slotAddr]
	if !ok {
		return "", fmt.Errorf("no selector reference at %#x", slotAddr)
	}
	return name, nil
}

func (a *Analyzer) selectorAt(slotAddr uint64) string {
	name, err := a.SelectorForSelref(slotAddr)
	if err != nil {
		return ""
	}
	return name
}
