package types

import "fmt"

// NType is the low byte of an nlist's n_type field, decoded per the masks
// below (see mach-o/nlist.h: N_STAB, N_PEXT, N_TYPE, N_EXT).
type NType uint8

const (
	N_STAB NType = 0xe0 // if any of these bits set, a symbolic debugging entry
	N_PEXT NType = 0x10 // private external symbol bit
	N_TYPE NType = 0x0e // mask for the type bits
	N_EXT  NType = 0x01 // external symbol bit, set for external symbols

	N_UNDF NType = 0x0 // undefined, n_sect == NO_SECT
	N_ABS  NType = 0x2 // absolute, n_sect == NO_SECT
	N_SECT NType = 0xe // defined in section number n_sect
	N_PBUD NType = 0xc // prebound undefined (defined in a dylib)
	N_INDR NType = 0xa // indirect
)

func (t NType) IsStab() bool       { return t&N_STAB != 0 }
func (t NType) IsPrivateExt() bool { return t&N_PEXT != 0 }
func (t NType) IsExternal() bool   { return t&N_EXT != 0 }
func (t NType) Type() NType        { return t & N_TYPE }

func (t NType) String() string {
	switch t.Type() {
	case N_UNDF:
		return "undefined"
	case N_ABS:
		return "absolute"
	case N_SECT:
		return "section"
	case N_PBUD:
		return "prebound-undefined"
	case N_INDR:
		return "indirect"
	}
	return fmt.Sprintf("NType(%#x)", uint8(t))
}

// NDescType is an nlist's n_desc field: reference-type bits, plus the
// GENERIC_REFERENCE_FLAG / weak / discarded flags layered on top by the
// dynamic linker.
type NDescType uint16

const (
	ReferenceTypeMask             NDescType = 0x7
	ReferenceFlagUndefinedNonLazy NDescType = 0x0
	ReferenceFlagUndefinedLazy    NDescType = 0x1
	ReferenceFlagDefined          NDescType = 0x2
	ReferenceFlagPrivateDefined   NDescType = 0x3
	ReferenceFlagPrivateUndefinedNonLazy NDescType = 0x4
	ReferenceFlagPrivateUndefinedLazy    NDescType = 0x5

	N_ARM_THUMB_DEF         NDescType = 0x0008
	ReferencedDynamically   NDescType = 0x0010
	N_DESC_DISCARDED        NDescType = 0x0020
	N_WEAK_REF              NDescType = 0x0040
	N_WEAK_DEF              NDescType = 0x0080
	N_SYMBOL_RESOLVER       NDescType = 0x0100
	N_ALT_ENTRY             NDescType = 0x0200
)

func (d NDescType) IsWeakRef() bool       { return d&N_WEAK_REF != 0 }
func (d NDescType) IsWeakDef() bool       { return d&N_WEAK_DEF != 0 }
func (d NDescType) IsThumbDef() bool      { return d&N_ARM_THUMB_DEF != 0 }
func (d NDescType) IsSymbolResolver() bool { return d&N_SYMBOL_RESOLVER != 0 }
func (d NDescType) LibraryOrdinal() uint8 { return uint8(d >> 8) }

// Nlist32 is the on-disk 32-bit symbol table entry (struct nlist).
type Nlist32 struct {
	Name  uint32 // index into the string table
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint32
}

// Nlist64 is the on-disk 64-bit symbol table entry (struct nlist_64).
type Nlist64 struct {
	Name  uint32 // index into the string table
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint64
}

// Function is a (start,end) VM-address extent recovered from LC_FUNCTION_STARTS.
type Function struct {
	StartAddr uint64
	EndAddr   uint64
}

func (fn Function) String() string {
	return fmt.Sprintf("start: %#011x, end: %#011x, size: %#x", fn.StartAddr, fn.EndAddr, fn.EndAddr-fn.StartAddr)
}
