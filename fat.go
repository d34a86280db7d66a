package macho

// FAT (universal) Mach-O dispatch: detects the four FAT magic numbers and
// enumerates the (cpu_type, cpu_subtype, file_offset, size, alignment)
// tuples describing each architecture slice, without parsing any slice
// itself.

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arm64scope/machoscope/types"
)

const (
	fatHeaderSize     = 8
	fatArch32RecSize  = 20
	fatArch64RecSize  = 32
	maxFatArchEntries = 128
)

// FatArch describes one architecture slice inside a FAT archive, or the
// sole slice of a thin (non-FAT) file wrapped as a one-element archive.
type FatArch struct {
	CPU        types.CPU
	SubCPU     types.CPUSubtype
	Offset     uint64
	Size       uint64
	Alignment  uint32
}

// FatArchive is the parsed form of a Mach-O FAT header: an ordered list of
// slice descriptors. A thin file parses as a one-element FatArchive with
// a single slice at offset 0 spanning the whole file.
type FatArchive struct {
	Magic  types.Magic
	Arches []FatArch

	r io.ReaderAt
}

// NewFatArchive reads a Mach-O FAT header (or, for a thin file, synthesizes
// a one-element archive) from r. Any magic other than the four FAT values
// or the four thin Mach-O values is ErrNotAMachO.
func NewFatArchive(r io.ReaderAt) (*FatArchive, error) {
	var ident [fatHeaderSize]byte
	if _, err := r.ReadAt(ident[:4], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", ErrTruncatedBinary)
	}

	magic := types.Magic(binary.BigEndian.Uint32(ident[:4]))
	switch magic {
	case types.MagicFat, types.FatMagic64, types.FatCigam, types.FatCigam64:
		return parseFatHeader(r, magic)
	}

	// Not a FAT magic: fall back to probing for a thin single-architecture
	// Mach-O (either byte order) and wrap it as a one-slice archive.
	be := binary.BigEndian.Uint32(ident[:4])
	le := binary.LittleEndian.Uint32(ident[:4])
	if be&^1 != types.Magic32.Int()&^1 && le&^1 != types.Magic32.Int()&^1 {
		return nil, fmt.Errorf("%w: unrecognized magic %#x", ErrNotAMachO, be)
	}

	size, err := readerAtSize(r)
	if err != nil {
		return nil, err
	}

	hdrMagic := types.Magic(be)
	if be&^1 != types.Magic32.Int()&^1 {
		hdrMagic = types.Magic(le)
	}

	thinCPU, thinSub, err := readThinCPU(r, hdrMagic)
	if err != nil {
		return nil, err
	}

	return &FatArchive{
		Magic: hdrMagic,
		Arches: []FatArch{{
			CPU:    thinCPU,
			SubCPU: thinSub,
			Offset: 0,
			Size:   uint64(size),
		}},
		r: r,
	}, nil
}

// Parse is an alias for NewFatArchive.
func Parse(r io.ReaderAt) (*FatArchive, error) {
	return NewFatArchive(r)
}

func readThinCPU(r io.ReaderAt, magic types.Magic) (types.CPU, types.CPUSubtype, error) {
	bo := binary.BigEndian
	if magic == types.Magic32 || magic == types.Magic64 {
		bo = binary.LittleEndian
	}
	var hdr [12]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return 0, 0, fmt.Errorf("failed to read mach header: %w", ErrTruncatedBinary)
	}
	return types.CPU(bo.Uint32(hdr[4:8])), types.CPUSubtype(bo.Uint32(hdr[8:12])), nil
}

func readerAtSize(r io.ReaderAt) (int64, error) {
	if s, ok := r.(io.Seeker); ok {
		size, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		return size, nil
	}
	// Binary-search for the end of the reader when it isn't also a Seeker.
	var buf [1]byte
	lo, hi := int64(0), int64(1)
	for {
		if _, err := r.ReadAt(buf[:], hi-1); err != nil {
			break
		}
		lo = hi
		hi *= 2
	}
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if _, err := r.ReadAt(buf[:], mid-1); err == nil {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func parseFatHeader(r io.ReaderAt, magic types.Magic) (*FatArchive, error) {
	is64 := magic == types.FatMagic64 || magic == types.FatCigam64

	var countBuf [4]byte
	if _, err := r.ReadAt(countBuf[:], 4); err != nil {
		return nil, fmt.Errorf("failed to read fat_header.nfat_arch: %w", ErrTruncatedBinary)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count == 0 {
		return nil, fmt.Errorf("%w: fat archive has no slices", ErrTruncatedBinary)
	}
	if count > maxFatArchEntries {
		return nil, fmt.Errorf("%w: fat archive claims %d slices", ErrTruncatedBinary, count)
	}

	recSize := fatArch32RecSize
	if is64 {
		recSize = fatArch64RecSize
	}

	buf := make([]byte, int(count)*recSize)
	if _, err := r.ReadAt(buf, fatHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read fat_arch records: %w", ErrTruncatedBinary)
	}

	arches := make([]FatArch, count)
	for i := range arches {
		rec := buf[i*recSize : (i+1)*recSize]
		arches[i].CPU = types.CPU(binary.BigEndian.Uint32(rec[0:4]))
		arches[i].SubCPU = types.CPUSubtype(binary.BigEndian.Uint32(rec[4:8]))
		if is64 {
			arches[i].Offset = binary.BigEndian.Uint64(rec[8:16])
			arches[i].Size = binary.BigEndian.Uint64(rec[16:24])
			arches[i].Alignment = binary.BigEndian.Uint32(rec[24:28])
		} else {
			arches[i].Offset = uint64(binary.BigEndian.Uint32(rec[8:12]))
			arches[i].Size = uint64(binary.BigEndian.Uint32(rec[12:16]))
			arches[i].Alignment = binary.BigEndian.Uint32(rec[16:20])
		}
	}

	if err := checkSliceExtents(arches); err != nil {
		return nil, err
	}

	return &FatArchive{Magic: magic, Arches: arches, r: r}, nil
}

// checkSliceExtents enforces that no two slices overlap, per spec: the
// (offset, size) extents of every slice must be disjoint.
func checkSliceExtents(arches []FatArch) error {
	type extent struct{ lo, hi uint64 }
	var extents []extent
	for _, a := range arches {
		extents = append(extents, extent{a.Offset, a.Offset + a.Size})
	}
	for i := range extents {
		for j := i + 1; j < len(extents); j++ {
			if extents[i].lo < extents[j].hi && extents[j].lo < extents[i].hi {
				return fmt.Errorf("%w: fat slices %d and %d overlap", ErrTruncatedBinary, i, j)
			}
		}
	}
	return nil
}

// Slices returns every architecture slice in the archive, in on-disk order.
func (fa *FatArchive) Slices() []FatArch {
	return fa.Arches
}

// Arm64Slice returns the first ARM64 slice, or an error if none is present.
func (fa *FatArchive) Arm64Slice() (*FatArch, error) {
	for i := range fa.Arches {
		if fa.Arches[i].CPU == types.CPUArm64 {
			return &fa.Arches[i], nil
		}
	}
	return nil, fmt.Errorf("fat archive contains no arm64 slice")
}

// Open returns a File for the given slice, reading from the archive's
// underlying ReaderAt at the slice's offset. The returned File's own
// addressing (GetOffset/GetVMAddress) is relative to the slice, not the
// surrounding FAT archive.
func (fa *FatArchive) Open(arch *FatArch) (*File, error) {
	sr := io.NewSectionReader(fa.r, int64(arch.Offset), int64(arch.Size))
	return NewFile(sr)
}
