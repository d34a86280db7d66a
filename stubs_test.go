package macho

import (
	"errors"
	"testing"

	"github.com/arm64scope/machoscope/types"
)

// buildStubFile hand-constructs a minimal File with a __stubs section, a
// __la_symbol_ptr section, and a symbol/indirect-symbol table, bypassing
// NewFile's parsing entirely so ResolveStubs' join logic can be exercised
// in isolation.
func buildStubFile() *File {
	f := &File{
		Symtab: &Symtab{
			Syms: []Symbol{
				{Name: "_printf", Value: 0},
				{Name: "_malloc", Value: 0},
			},
		},
		Dysymtab: &Dysymtab{
			DysymtabCmd: types.DysymtabCmd{
				Iundefsym: 0,
				Nundefsym: 2,
			},
			IndirectSyms: []uint32{
				0, types.INDIRECT_SYMBOL_LOCAL, 1,
				0, 1,
			},
		},
	}
	f.Sections = sections{
		{
			SectionHeader: SectionHeader{
				Name:      "__stubs",
				Seg:       "__TEXT",
				Addr:      0x1000,
				Size:      0x30,
				Flags:     types.S_SYMBOL_STUBS,
				Reserved1: 0,
				Reserved2: 0x10,
			},
		},
		{
			SectionHeader: SectionHeader{
				Name:      "__la_symbol_ptr",
				Seg:       "__DATA",
				Addr:      0x2000,
				Size:      0x10,
				Flags:     types.S_LAZY_SYMBOL_POINTERS,
				Reserved1: 3,
			},
		},
	}
	return f
}

func TestResolveStubsJoinsIndirectSymbols(t *testing.T) {
	f := buildStubFile()

	res, err := f.ResolveStubs()
	if err != nil {
		t.Fatalf("ResolveStubs() error = %v", err)
	}

	var stubs []Stub
	var ptrs []Stub
	for _, s := range res.Stubs {
		if s.Address != 0 {
			stubs = append(stubs, s)
		} else {
			ptrs = append(ptrs, s)
		}
	}

	if len(stubs) != 3 {
		t.Fatalf("got %d stub entries, want 3 (size/stride)", len(stubs))
	}
	if stubs[0].Symbol != "_printf" {
		t.Errorf("stubs[0].Symbol = %q, want _printf", stubs[0].Symbol)
	}
	if stubs[0].Address != 0x1000 {
		t.Errorf("stubs[0].Address = %#x, want 0x1000", stubs[0].Address)
	}
	if stubs[1].Symbol != "" {
		t.Errorf("stubs[1].Symbol = %q, want empty for INDIRECT_SYMBOL_LOCAL slot", stubs[1].Symbol)
	}
	if stubs[2].Symbol != "_malloc" {
		t.Errorf("stubs[2].Symbol = %q, want _malloc", stubs[2].Symbol)
	}

	if len(ptrs) != 2 {
		t.Fatalf("got %d pointer entries, want 2", len(ptrs))
	}
	if ptrs[0].Pointer != 0x2000 || ptrs[0].Symbol != "_printf" {
		t.Errorf("ptrs[0] = %+v, want pointer=0x2000 symbol=_printf", ptrs[0])
	}
	if ptrs[1].Pointer != 0x2008 || ptrs[1].Symbol != "_malloc" {
		t.Errorf("ptrs[1] = %+v, want pointer=0x2008 symbol=_malloc", ptrs[1])
	}

	if len(res.Imports) != 2 {
		t.Errorf("got %d imports, want 2", len(res.Imports))
	}
}

func TestResolveStubsWarnsOnZeroStride(t *testing.T) {
	f := buildStubFile()
	f.Sections[0].Reserved2 = 0

	res, err := f.ResolveStubs()
	if err != nil {
		t.Fatalf("ResolveStubs() error = %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1 for zero stub stride", len(res.Warnings))
	}
	if !errors.Is(res.Warnings[0], ErrInconsistentSymtab) {
		t.Errorf("warning = %v, want wrapping ErrInconsistentSymtab", res.Warnings[0])
	}
	for _, s := range res.Stubs {
		if s.Address != 0 {
			t.Errorf("stub entries present despite zero-stride section: %+v", s)
		}
	}
}

func TestResolveStubsMissingSymtab(t *testing.T) {
	f := &File{}

	_, err := f.ResolveStubs()
	if !errors.Is(err, ErrInconsistentSymtab) {
		t.Fatalf("ResolveStubs() error = %v, want ErrInconsistentSymtab for missing symtab/dysymtab", err)
	}
}

func TestIndirectSymbolForBoundsAndSentinels(t *testing.T) {
	f := buildStubFile()

	if _, ok := f.indirectSymbolFor(0, 1); ok {
		t.Error("indirectSymbolFor() ok = true for INDIRECT_SYMBOL_LOCAL slot, want false")
	}
	if sym, ok := f.indirectSymbolFor(0, 0); !ok || sym.Name != "_printf" {
		t.Errorf("indirectSymbolFor(0,0) = %+v, %v, want _printf, true", sym, ok)
	}
	if _, ok := f.indirectSymbolFor(0, 100); ok {
		t.Error("indirectSymbolFor() ok = true for out-of-range index, want false")
	}
}
