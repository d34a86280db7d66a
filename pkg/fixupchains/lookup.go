package fixupchains

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/arm64scope/machoscope/types"
)

// ErrNoFixupAtOffset is returned by GetFixupAtOffset when the requested file
// offset does not land on a decodable chained-fixup pointer.
var ErrNoFixupAtOffset = errors.New("no chained fixup at offset")

// DyldChainedFixups is the parsed LC_DYLD_CHAINED_FIXUPS payload: a decoded
// import table plus, per segment, the page-start table and the fixups
// recovered by walking each page's chain.
type DyldChainedFixups struct {
	DyldChainedFixupsHeader
	PointerFormat DCPtrKind

	Starts  []DyldChainedStarts
	Imports []DcfImport

	r  *bytes.Reader
	sr types.MachoReader
	bo binary.ByteOrder

	fixups         map[uint64]Fixup
	metadataParsed bool
	importsParsed  bool
	chainsParsed   bool
}

// recordFixup indexes a freshly-decoded fixup by its rebase target so
// Lookup/GetAuthRebase can answer without rescanning every segment.
func (dcf *DyldChainedFixups) recordFixup(fx Fixup) {
	if dcf.fixups == nil {
		dcf.fixups = make(map[uint64]Fixup)
	}
	if r, ok := fx.(Rebase); ok {
		dcf.fixups[r.Target()] = fx
	}
}

// Lookup returns the fixup that rebases to the given target address, if any.
func (dcf *DyldChainedFixups) Lookup(target uint64) (Fixup, bool) {
	if dcf.fixups == nil {
		dcf.fixups = make(map[uint64]Fixup)
	}
	if fx, ok := dcf.fixups[target]; ok {
		return fx, true
	}
	for _, start := range dcf.Starts {
		for _, fx := range start.Fixups {
			if r, ok := fx.(Rebase); ok && r.Target() == target {
				dcf.fixups[target] = fx
				return fx, true
			}
		}
	}
	return nil, false
}

// LookupByTarget returns every fixup (cached or discovered by a fresh scan)
// that rebases to the given target address.
func (dcf *DyldChainedFixups) LookupByTarget(target uint64) []Fixup {
	var out []Fixup
	seen := make(map[Fixup]bool)
	if fx, ok := dcf.fixups[target]; ok {
		out = append(out, fx)
		seen[fx] = true
	}
	for _, start := range dcf.Starts {
		for _, fx := range start.Fixups {
			if r, ok := fx.(Rebase); ok && r.Target() == target && !seen[fx] {
				out = append(out, fx)
				seen[fx] = true
			}
		}
	}
	return out
}

// GetAuthRebase returns the pointer-authenticated rebase at the given
// target address, if the fixup there is in fact an auth-rebase.
func (dcf *DyldChainedFixups) GetAuthRebase(target uint64) (Auth, bool) {
	fx, ok := dcf.Lookup(target)
	if !ok {
		return nil, false
	}
	auth, ok := fx.(Auth)
	return auth, ok
}

// LookupByOffset returns the fixup whose file offset matches, scanning every
// already-walked chain.
func (dcf *DyldChainedFixups) LookupByOffset(offset uint64) (Fixup, bool) {
	for _, start := range dcf.Starts {
		for _, fx := range start.Fixups {
			if fx.Location() == offset {
				return fx, true
			}
		}
	}
	return nil, false
}

// ResetSegmentIndex discards the per-fixup cache built by Lookup, forcing
// the next call to rescan dcf.Starts. Callers use this after mutating
// Starts[i].SegmentOffset post-parse (e.g. once real segment addresses are
// known).
func (dcf *DyldChainedFixups) ResetSegmentIndex() {
	dcf.fixups = nil
}

// GetFixupAtOffset decodes the chained-fixup pointer located at the given
// file offset directly, without first walking every chain in the binary via
// Parse. Only a page's chain-start position can be decoded this way; any
// other offset, including later links of the same chain and pages with
// multi-start 32-bit chains, returns an ErrNoFixupAtOffset error.
func (dcf *DyldChainedFixups) GetFixupAtOffset(offset uint64) (Fixup, error) {
	for segIdx := range dcf.Starts {
		start := &dcf.Starts[segIdx]
		if start.PageStarts == nil || start.PageSize == 0 {
			continue
		}
		if offset < start.SegmentOffset {
			continue
		}
		rel := offset - start.SegmentOffset
		pageIndex := rel / uint64(start.PageSize)
		if pageIndex >= uint64(start.PageCount) {
			continue
		}
		offsetInPage := rel % uint64(start.PageSize)
		ptrSize := stride(start.PointerFormat)
		if offsetInPage%ptrSize != 0 {
			return nil, fmt.Errorf("%w: offset %#x is not aligned to a %d-byte pointer stride", ErrNoFixupAtOffset, offset, ptrSize)
		}

		pageStart := start.PageStarts[pageIndex]
		if pageStart == DYLD_CHAINED_PTR_START_NONE {
			return nil, fmt.Errorf("%w: page %d has no fixup chain", ErrNoFixupAtOffset, pageIndex)
		}
		if pageStart&DYLD_CHAINED_PTR_START_MULTI != 0 {
			return nil, fmt.Errorf("%w: page %d uses a multi-start 32-bit chain, unsupported by direct lookup", ErrNoFixupAtOffset, pageIndex)
		}
		if uint64(pageStart) != offsetInPage {
			return nil, fmt.Errorf("%w: offset %#x is not a chain-start position on page %d", ErrNoFixupAtOffset, offset, pageIndex)
		}

		return dcf.decodeFixupAt(start, offset)
	}
	return nil, fmt.Errorf("%w: offset %#x is outside any chained-fixup segment", ErrNoFixupAtOffset, offset)
}

func (dcf *DyldChainedFixups) decodeFixupAt(start *DyldChainedStarts, fixupLocation uint64) (Fixup, error) {
	reader := dcf.sr
	if reader == nil {
		reader = dcf.r
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: no reader attached", ErrNoFixupAtOffset)
	}

	switch start.PointerFormat {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		var raw uint32
		if err := readAt(reader, dcf.bo, int64(fixupLocation), &raw); err != nil {
			return nil, err
		}
		return dcf.decode32(start.PointerFormat, raw, fixupLocation)
	default:
		var raw uint64
		if err := readAt(reader, dcf.bo, int64(fixupLocation), &raw); err != nil {
			return nil, err
		}
		return dcf.decode64(start.PointerFormat, raw, fixupLocation)
	}
}

func readAt(r io.ReadSeeker, bo binary.ByteOrder, off int64, v interface{}) error {
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return err
	}
	return binary.Read(r, bo, v)
}

func (dcf *DyldChainedFixups) decode32(kind DCPtrKind, raw uint32, fixup uint64) (Fixup, error) {
	if kind == DYLD_CHAINED_PTR_32 && Generic32IsBind(raw) {
		bind := DyldChainedPtr32Bind{Pointer: raw, Fixup: fixup}
		if ord := int(bind.Ordinal()); ord < len(dcf.Imports) {
			bind.Import = dcf.Imports[ord].Name
		}
		return bind, nil
	}
	switch kind {
	case DYLD_CHAINED_PTR_32_CACHE:
		return DyldChainedPtr32CacheRebase{Pointer: raw, Fixup: fixup}, nil
	case DYLD_CHAINED_PTR_32_FIRMWARE:
		return DyldChainedPtr32FirmwareRebase{Pointer: raw, Fixup: fixup}, nil
	default:
		return DyldChainedPtr32Rebase{Pointer: raw, Fixup: fixup}, nil
	}
}

func (dcf *DyldChainedFixups) decode64(kind DCPtrKind, raw uint64, fixup uint64) (Fixup, error) {
	switch kind {
	case DYLD_CHAINED_PTR_64, DYLD_CHAINED_PTR_64_OFFSET:
		if Generic64IsBind(raw) {
			bind := DyldChainedPtr64Bind{Pointer: raw, Fixup: fixup}
			if ord := int(bind.Ordinal()); ord < len(dcf.Imports) {
				bind.Import = dcf.Imports[ord].Name
			}
			return bind, nil
		}
		if kind == DYLD_CHAINED_PTR_64_OFFSET {
			return DyldChainedPtr64RebaseOffset{Pointer: raw, Fixup: fixup}, nil
		}
		return DyldChainedPtr64Rebase{Pointer: raw, Fixup: fixup}, nil
	case DYLD_CHAINED_PTR_64_KERNEL_CACHE, DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return DyldChainedPtr64KernelCacheRebase{Pointer: raw, Fixup: fixup}, nil
	default: // the various arm64e formats
		isBind := DcpArm64eIsBind(raw)
		isAuth := DcpArm64eIsAuth(raw)
		switch {
		case !isBind && !isAuth:
			return DyldChainedPtrArm64eRebase{Pointer: raw, Fixup: fixup}, nil
		case isBind && !isAuth:
			bind := DyldChainedPtrArm64eBind{Pointer: raw, Fixup: fixup}
			if ord := int(bind.Ordinal()); ord < len(dcf.Imports) {
				bind.Import = dcf.Imports[ord].Name
			}
			return bind, nil
		case !isBind && isAuth:
			return DyldChainedPtrArm64eAuthRebase{Pointer: raw, Fixup: fixup}, nil
		default:
			bind := DyldChainedPtrArm64eAuthBind{Pointer: raw, Fixup: fixup}
			if ord := int(bind.Ordinal()); ord < len(dcf.Imports) {
				bind.Import = dcf.Imports[ord].Name
			}
			return bind, nil
		}
	}
}

// RebaseRaw resolves a raw pointer word read from the binary at the given
// file offset into a slid address, using the chain-start pointer format
// recorded for the segment that offset falls in. baseAddr is the slice's
// preferred load address (File.GetBaseAddress), added back onto rebase
// targets that are stored as image-relative offsets rather than absolute
// addresses.
func (dcf *DyldChainedFixups) RebaseRaw(offset, raw, baseAddr uint64) (uint64, error) {
	for i := range dcf.Starts {
		start := &dcf.Starts[i]
		segEnd := start.SegmentOffset + uint64(start.PageCount)*uint64(start.PageSize)
		if start.PageStarts == nil || offset < start.SegmentOffset || offset >= segEnd {
			continue
		}
		fx, err := dcf.decodeFixupFromWord(start.PointerFormat, raw, offset)
		if err != nil {
			return 0, err
		}
		rebase, ok := fx.(Rebase)
		if !ok {
			return 0, fmt.Errorf("fixup at offset %#x is a bind, not a rebase", offset)
		}
		target := rebase.Target()
		if offsetsFromImageBase(start.PointerFormat) {
			return baseAddr + target, nil
		}
		return target, nil
	}
	return 0, fmt.Errorf("%w: offset %#x is outside any chained-fixup segment", ErrNoFixupAtOffset, offset)
}

func (dcf *DyldChainedFixups) decodeFixupFromWord(kind DCPtrKind, raw, fixup uint64) (Fixup, error) {
	if PointerSize(kind) == 4 {
		return dcf.decode32(kind, uint32(raw), fixup)
	}
	return dcf.decode64(kind, raw, fixup)
}

func offsetsFromImageBase(kind DCPtrKind) bool {
	switch kind {
	case DYLD_CHAINED_PTR_64_OFFSET, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return true
	default:
		return false
	}
}
