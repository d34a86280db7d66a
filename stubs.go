package macho

// Stub/imported-symbol resolution: joins the __stubs, __la_symbol_ptr and
// __got sections to the indirect symbol table (and, where present, the
// chained-fixups bind stream) to answer "what symbol does this call-stub
// or pointer slot resolve to."

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arm64scope/machoscope/types"
)

// Stub is one call-stub in a __stubs section, resolved to the imported
// symbol it ultimately dispatches to.
type Stub struct {
	Address uint64 // address of the stub itself, in the __stubs section
	Pointer uint64 // address of the backing __la_symbol_ptr/__got slot, if any
	Symbol  string
	Library string
}

// ImportedSymbol names one symbol a binary expects a loaded dependency to
// satisfy, together with its library ordinal.
type ImportedSymbol struct {
	Name           string
	LibraryOrdinal int
}

// StubResolution is the joined result of ResolveStubs: every stub and
// pointer-table entry found, plus non-fatal problems: a stub section with a
// zero stride, or a disagreement between the indirect-symbol-table join and
// the chained-fixups bind stream.
type StubResolution struct {
	Stubs    []Stub
	Imports  []ImportedSymbol
	Warnings []error
}

// ResolveStubs implements the four-step stub/imported-symbol join:
//  1. locate __stubs (S_SYMBOL_STUBS) and the pointer sections
//     (S_LAZY_SYMBOL_POINTERS/S_NON_LAZY_SYMBOL_POINTERS);
//  2. build parallel stub-address/pointer-address lists from each
//     section's reserved1/reserved2 fields;
//  3. join through the indirect symbol table, skipping the
//     INDIRECT_SYMBOL_LOCAL/_ABS sentinels;
//  4. reconcile against the chained-fixups bind stream when present.
func (f *File) ResolveStubs() (*StubResolution, error) {
	if f.Dysymtab == nil || f.Symtab == nil {
		return nil, fmt.Errorf("%w: missing symtab/dysymtab", ErrInconsistentSymtab)
	}

	res := &StubResolution{}

	for _, sec := range f.Sections {
		switch {
		case sec.Flags.IsSymbolStubs():
			if sec.Reserved2 == 0 {
				res.Warnings = append(res.Warnings, fmt.Errorf("%w: %s.%s has zero stub stride", ErrInconsistentSymtab, sec.Seg, sec.Name))
				continue
			}
			count := sec.Size / uint64(sec.Reserved2)
			for i := uint64(0); i < count; i++ {
				stub := Stub{Address: sec.Addr + i*uint64(sec.Reserved2)}
				if sym, ok := f.indirectSymbolFor(sec.Reserved1, uint32(i)); ok {
					stub.Symbol = sym.Name
					stub.Library = f.LibraryOrdinalName(int(sym.Desc.LibraryOrdinal()))
				}
				res.Stubs = append(res.Stubs, stub)
			}

		case sec.Flags.IsLazySymbolPointers(), sec.Flags.IsNonLazySymbolPointers():
			const ptrSize = 8
			count := sec.Size / ptrSize
			for i := uint64(0); i < count; i++ {
				addr := sec.Addr + i*ptrSize
				sym, ok := f.indirectSymbolFor(sec.Reserved1, uint32(i))
				if !ok {
					continue
				}
				res.Stubs = append(res.Stubs, Stub{
					Pointer: addr,
					Symbol:  sym.Name,
					Library: f.LibraryOrdinalName(int(sym.Desc.LibraryOrdinal())),
				})
			}
		}
	}

	imported, err := f.ImportedSymbols()
	if err == nil {
		for _, sym := range imported {
			res.Imports = append(res.Imports, ImportedSymbol{
				Name:           sym.Name,
				LibraryOrdinal: int(sym.Desc.LibraryOrdinal()),
			})
		}
	}

	f.reconcileWithChainedFixups(res)

	return res, nil
}

// indirectSymbolFor resolves indirect-symbol-table slot base+i to its
// Symtab entry, skipping INDIRECT_SYMBOL_LOCAL/INDIRECT_SYMBOL_ABS.
func (f *File) indirectSymbolFor(base uint32, i uint32) (Symbol, bool) {
	idx := int(base + i)
	if idx < 0 || idx >= len(f.Dysymtab.IndirectSyms) {
		return Symbol{}, false
	}
	symIdx := f.Dysymtab.IndirectSyms[idx]
	if symIdx == types.INDIRECT_SYMBOL_LOCAL || symIdx == types.INDIRECT_SYMBOL_ABS {
		return Symbol{}, false
	}
	if int(symIdx) >= len(f.Symtab.Syms) {
		return Symbol{}, false
	}
	return f.Symtab.Syms[symIdx], true
}

// readPointerAtAddr reads the raw 8-byte pointer word stored at a virtual
// address, without attempting to resolve/rebase it.
func (f *File) readPointerAtAddr(addr uint64) (uint64, error) {
	off, err := f.vma.GetOffset(addr)
	if err != nil {
		return 0, err
	}
	var raw uint64
	if err := binary.Read(io.NewSectionReader(f.sr, int64(off), 8), f.ByteOrder, &raw); err != nil {
		return 0, err
	}
	return raw, nil
}

// reconcileWithChainedFixups cross-checks the indirect-symbol-table join
// against the chained-fixups bind stream when the binary uses modern
// fixups instead of (or alongside) a classic lazy-pointer table. Per
// spec, agreement is not recorded; disagreement is a warning, not fatal.
func (f *File) reconcileWithChainedFixups(res *StubResolution) {
	if !f.HasFixups() {
		return
	}
	for i := range res.Stubs {
		s := &res.Stubs[i]
		if s.Pointer == 0 || s.Symbol == "" {
			continue
		}
		raw, err := f.readPointerAtAddr(s.Pointer)
		if err != nil {
			continue
		}
		bound, err := f.GetBindName(raw)
		if err != nil {
			continue
		}
		if bound != s.Symbol {
			res.Warnings = append(res.Warnings, fmt.Errorf(
				"%w: pointer %#x resolves to %q via indirect symbol table but %q via chained fixups",
				ErrInconsistentSymtab, s.Pointer, s.Symbol, bound))
		}
	}
}
