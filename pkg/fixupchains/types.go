package fixupchains

import (
	"fmt"

	"github.com/arm64scope/machoscope/types"
)

// Re-exports of the wire-format types and constants that already live in
// the types package. Chained-fixup callers outside this package address
// them as fixupchains.DCPtrKind, fixupchains.DYLD_CHAINED_PTR_64, etc.
type (
	DCPtrKind                  = types.DCPtrKind
	DCPtrStart                 = types.DCPtrStart
	DCImportsFormat            = types.DCImportsFormat
	DCSymbolsFormat            = types.DCSymbolsFormat
	DyldChainedFixupsHeader    = types.DyldChainedFixupsHeader
	DyldChainedStartsInSegment = types.DyldChainedStartsInSegment
	DyldChainedStartsInImage   = types.DyldChainedStartsInImage
	DyldChainedImport          = types.DyldChainedImport
	DyldChainedImport64        = types.DyldChainedImport64
	DyldChainedImportAddend    = types.DyldChainedImportAddend
	DyldChainedImportAddend64  = types.DyldChainedImportAddend64
)

const (
	DYLD_CHAINED_PTR_ARM64E               = types.DYLD_CHAINED_PTR_ARM64E
	DYLD_CHAINED_PTR_64                   = types.DYLD_CHAINED_PTR_64
	DYLD_CHAINED_PTR_32                   = types.DYLD_CHAINED_PTR_32
	DYLD_CHAINED_PTR_32_CACHE             = types.DYLD_CHAINED_PTR_32_CACHE
	DYLD_CHAINED_PTR_32_FIRMWARE          = types.DYLD_CHAINED_PTR_32_FIRMWARE
	DYLD_CHAINED_PTR_64_OFFSET            = types.DYLD_CHAINED_PTR_64_OFFSET
	DYLD_CHAINED_PTR_ARM64E_OFFSET        = types.DYLD_CHAINED_PTR_ARM64E_OFFSET
	DYLD_CHAINED_PTR_ARM64E_KERNEL        = types.DYLD_CHAINED_PTR_ARM64E_KERNEL
	DYLD_CHAINED_PTR_64_KERNEL_CACHE      = types.DYLD_CHAINED_PTR_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND      = types.DYLD_CHAINED_PTR_ARM64E_USERLAND
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE      = types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE  = types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND24    = types.DYLD_CHAINED_PTR_ARM64E_USERLAND24
	// DYLD_CHAINED_PTR_ARM64E_SEGMENTED and DYLD_CHAINED_PTR_ARM64E_SHARED_CACHE
	// are newer dyld pointer formats (13, 15) that share the plain arm64e
	// rebase/bind/auth layout; kept here under their own names since some
	// dyld_cache images advertise them in dyld_chained_starts_in_segment.
	DYLD_CHAINED_PTR_ARM64E_SEGMENTED     DCPtrKind = 13
	DYLD_CHAINED_PTR_ARM64E_SHARED_CACHE  DCPtrKind = 15

	DYLD_CHAINED_PTR_START_NONE  = types.DYLD_CHAINED_PTR_START_NONE
	DYLD_CHAINED_PTR_START_MULTI = types.DYLD_CHAINED_PTR_START_MULTI
	DYLD_CHAINED_PTR_START_LAST  = types.DYLD_CHAINED_PTR_START_LAST

	DC_IMPORT           = types.DC_IMPORT
	DC_IMPORT_ADDEND    = types.DC_IMPORT_ADDEND
	DC_IMPORT_ADDEND64  = types.DC_IMPORT_ADDEND64
	DC_SFORMAT_UNCOMPRESSED    = types.DC_SFORMAT_UNCOMPRESSED
	DC_SFORMAT_ZLIB_COMPRESSED = types.DC_SFORMAT_ZLIB_COMPRESSED
)

// PointerSize returns the on-disk width, in bytes, of a chained pointer of
// the given format.
func PointerSize(k DCPtrKind) int {
	switch k {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return 4
	default:
		return 8
	}
}

func stride(k DCPtrKind) uint64 {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24, DYLD_CHAINED_PTR_ARM64E_SHARED_CACHE:
		return 8
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	default:
		return 4
	}
}

// Fixup is satisfied by every chain-walk result: a rebase, an auth-rebase,
// a bind or an auth-bind. Location reports the file offset the pointer word
// was read from.
type Fixup interface {
	Location() uint64
}

// Rebase is a Fixup that resolves to a fixed target address rather than an
// imported symbol.
type Rebase interface {
	Fixup
	Target() uint64
}

// Auth is a Fixup signed with a pointer-authentication key.
type Auth interface {
	Fixup
	Diversity() uint64
}

// Bind is a Fixup that resolves against an imported symbol.
type Bind interface {
	Fixup
	Ordinal() uint64
	Symbol() string
}

// DcfImport is a resolved entry from the chained-fixups import table: the
// decoded name plus the raw (lib-ordinal/weak/addend) wire value.
type DcfImport struct {
	Name   string
	Import Import
}

func (i DcfImport) String() string {
	return i.Name
}

// Import is satisfied by the three chained-import wire formats
// (DyldChainedImport, DyldChainedImportAddend, DyldChainedImportAddend64).
// NameOffset is widened to uint64 since DyldChainedImportAddend64's offset
// is itself 64 bits.
type Import interface {
	NameOffset() uint64
}

type importNameOffset32 interface{ NameOffset() uint32 }
type importNameOffset64 interface{ NameOffset() uint64 }

func wrapImport(i interface{ String() string }) Import {
	switch v := i.(type) {
	case importNameOffset64:
		return import64Adapter{v}
	case importNameOffset32:
		return import32Adapter{v}
	default:
		panic(fmt.Sprintf("unsupported import type %T", i))
	}
}

type import32Adapter struct{ importNameOffset32 }

func (a import32Adapter) NameOffset() uint64 { return uint64(a.importNameOffset32.NameOffset()) }

type import64Adapter struct{ importNameOffset64 }

func (a import64Adapter) NameOffset() uint64 { return a.importNameOffset64.NameOffset() }

// DyldChainedStarts is the per-segment chain-start table plus the fixups
// recovered by walking every chain it points at.
type DyldChainedStarts struct {
	DyldChainedStartsInSegment
	PageStarts []DCPtrStart
	Fixups     []Fixup
}

// --- 32-bit pointer formats ---

type DyldChainedPtr32Rebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32Rebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr32Rebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32Rebase(d.Pointer).Offset())
}

type DyldChainedPtr32Bind struct {
	Pointer uint32
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr32Bind) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr32Bind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtr32Bind(d.Pointer).Ordinal())
}
func (d DyldChainedPtr32Bind) Symbol() string { return d.Import }

type DyldChainedPtr32CacheRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32CacheRebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr32CacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32CacheRebase(d.Pointer).Offset())
}

type DyldChainedPtr32FirmwareRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32FirmwareRebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr32FirmwareRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32FirmwareRebase(d.Pointer).Offset())
}

// --- 64-bit pointer formats ---

type DyldChainedPtr64Rebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64Rebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr64Rebase) Target() uint64 {
	return types.DyldChainedPtr64Rebase(d.Pointer).Target()
}

type DyldChainedPtr64RebaseOffset struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64RebaseOffset) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr64RebaseOffset) Target() uint64 {
	return types.DyldChainedPtr64RebaseOffset(d.Pointer).Target()
}

type DyldChainedPtr64Bind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr64Bind) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr64Bind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtr64Bind(d.Pointer).Ordinal())
}
func (d DyldChainedPtr64Bind) Symbol() string { return d.Import }

type DyldChainedPtr64KernelCacheRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64KernelCacheRebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtr64KernelCacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr64KernelCacheRebase(d.Pointer).Offset())
}
func (d DyldChainedPtr64KernelCacheRebase) Diversity() uint64 {
	return types.DyldChainedPtr64KernelCacheRebase(d.Pointer).Diversity()
}

// --- arm64e pointer formats ---

type DyldChainedPtrArm64eRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eRebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eRebase) Target() uint64 {
	return types.DyldChainedPtrArm64eRebase(d.Pointer).Target()
}

type DyldChainedPtrArm64eBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eBind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eBind(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eBind) Symbol() string { return d.Import }

type DyldChainedPtrArm64eAuthRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eAuthRebase) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthRebase) Target() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Offset())
}
func (d DyldChainedPtrArm64eAuthRebase) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Diversity()
}

type DyldChainedPtrArm64eAuthBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eAuthBind) Symbol() string { return d.Import }
func (d DyldChainedPtrArm64eAuthBind) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthBind(d.Pointer).Diversity()
}

// --- arm64e 24-bit-ordinal (USERLAND24) variants ---
// The rebase/auth-rebase wire layout is unchanged from the plain arm64e
// formats; only binds widen their ordinal field to 24 bits.

type DyldChainedPtrArm64eRebase24 struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eRebase24) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eRebase24) Target() uint64 {
	return types.DyldChainedPtrArm64eRebase(d.Pointer).Target()
}

type DyldChainedPtrArm64eBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind24) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eBind24(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eBind24) Symbol() string { return d.Import }

type DyldChainedPtrArm64eAuthRebase24 struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eAuthRebase24) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthRebase24) Target() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Offset())
}
func (d DyldChainedPtrArm64eAuthRebase24) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Diversity()
}

type DyldChainedPtrArm64eAuthBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind24) Location() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eAuthBind24) Symbol() string { return d.Import }
func (d DyldChainedPtrArm64eAuthBind24) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Diversity()
}

// Generic32IsBind reports whether a raw 32-bit chained pointer word encodes
// a bind rather than a rebase (top bit set, matching dyld's generic32 layout).
func Generic32IsBind(ptr uint32) bool {
	return ptr&0x80000000 != 0
}

// Generic32Next returns the chain-stride count to the next fixup.
func Generic32Next(ptr uint32) uint32 {
	return uint32(types.ExtractBits(uint64(ptr), 26, 5))
}

// Generic64IsBind reports whether a raw 64-bit chained pointer word encodes
// a bind rather than a rebase.
func Generic64IsBind(ptr uint64) bool {
	return types.ExtractBits(ptr, 63, 1) != 0
}

// Generic64Next returns the chain-stride count to the next fixup.
func Generic64Next(ptr uint64) uint64 {
	return types.ExtractBits(ptr, 51, 12)
}

// DcpArm64eIsBind reports whether a raw arm64e chained pointer word encodes
// a bind rather than a rebase.
func DcpArm64eIsBind(ptr uint64) bool {
	return types.ExtractBits(ptr, 62, 1) != 0
}

// DcpArm64eIsAuth reports whether a raw arm64e chained pointer word is
// pointer-authenticated.
func DcpArm64eIsAuth(ptr uint64) bool {
	return types.ExtractBits(ptr, 63, 1) != 0
}

// DcpArm64eNext returns the chain-stride count to the next fixup.
func DcpArm64eNext(ptr uint64) uint64 {
	return types.ExtractBits(ptr, 51, 11)
}
