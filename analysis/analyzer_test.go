package analysis

import (
	"bytes"
	"testing"

	macho "github.com/arm64scope/machoscope"
	"github.com/arm64scope/machoscope/types"
)

// retInstruction is the well-known "ret" encoding (0xd65f03c0, little-endian).
var retInstruction = []byte{0xc0, 0x03, 0x5f, 0xd6}

// blToNextWordThenRet is "bl +8; ret" (bl's imm26 field encodes an offset of
// 2 words from the bl instruction itself), followed by a second ret 8 bytes
// further on — a callee reachable only by following the bl, not by any
// exported symbol of its own.
var blToNextWordThenRet = []byte{
	0x02, 0x00, 0x00, 0x94, // bl #0x8
	0xc0, 0x03, 0x5f, 0xd6, // ret
	0xc0, 0x03, 0x5f, 0xd6, // ret
}

// chainedCallFile is a single exported entry point at 0x1000 that calls a
// second, unexported function at 0x1008 via bl.
func chainedCallFile() *macho.File {
	f := &macho.File{
		Symtab: &macho.Symtab{
			Syms: []macho.Symbol{
				{Name: "_exported", Value: 0x1000, Type: types.N_SECT | types.N_EXT},
			},
		},
	}
	f.Sections = []*macho.Section{
		{
			SectionHeader: macho.SectionHeader{
				Name:  "__text",
				Seg:   "__TEXT",
				Addr:  0x1000,
				Size:  uint64(len(blToNextWordThenRet)),
				Flags: types.S_ATTR_PURE_INSTRUCTIONS,
			},
			ReaderAt: bytes.NewReader(blToNextWordThenRet),
		},
	}
	return f
}

func minimalExecutableFile() *macho.File {
	f := &macho.File{
		Symtab: &macho.Symtab{
			Syms: []macho.Symbol{
				{Name: "_exported", Value: 0x1000, Type: types.N_SECT | types.N_EXT},
			},
		},
	}
	f.Sections = []*macho.Section{
		{
			SectionHeader: macho.SectionHeader{
				Name:  "__text",
				Seg:   "__TEXT",
				Addr:  0x1000,
				Size:  4,
				Flags: types.S_ATTR_PURE_INSTRUCTIONS,
			},
			ReaderAt: bytes.NewReader(retInstruction),
		},
	}
	return f
}

func TestFunctionsDiscoversExportedEntryPoint(t *testing.T) {
	a := NewAnalyzer(minimalExecutableFile())
	addrs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != 0x1000 {
		t.Fatalf("Functions() = %#x, want [0x1000]", addrs)
	}
}

func TestFunctionsDiscoversCallTargetByDefault(t *testing.T) {
	a := NewAnalyzer(chainedCallFile())
	addrs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions() error = %v", err)
	}
	if len(addrs) != 2 || addrs[0] != 0x1000 || addrs[1] != 0x1008 {
		t.Fatalf("Functions() = %#x, want [0x1000 0x1008]: the bl target should be discovered transitively", addrs)
	}
}

func TestFunctionsEntryPointsOnlySkipsTransitiveWalk(t *testing.T) {
	a := NewAnalyzer(chainedCallFile(), AnalyzerConfig{EntryPointsOnly: true})
	addrs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != 0x1000 {
		t.Fatalf("Functions() = %#x, want [0x1000]: EntryPointsOnly must skip the bl-target walk", addrs)
	}
}

func TestFunctionsIgnoresNonExecutableSection(t *testing.T) {
	f := minimalExecutableFile()
	f.Sections[0].Flags = 0
	a := NewAnalyzer(f)
	addrs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions() error = %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("Functions() = %#x, want none: symbol lands in a non-executable section", addrs)
	}
}
