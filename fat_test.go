package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/arm64scope/machoscope/types"
)

func writeFatArch32(buf *bytes.Buffer, cpu types.CPU, sub types.CPUSubtype, offset, size, align uint32) {
	binary.Write(buf, binary.BigEndian, uint32(cpu))
	binary.Write(buf, binary.BigEndian, uint32(sub))
	binary.Write(buf, binary.BigEndian, offset)
	binary.Write(buf, binary.BigEndian, size)
	binary.Write(buf, binary.BigEndian, align)
}

func fatHeader(magic types.Magic, n uint32) *bytes.Buffer {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(magic))
	binary.Write(buf, binary.BigEndian, n)
	return buf
}

func TestNewFatArchiveTwoSlices(t *testing.T) {
	buf := fatHeader(types.MagicFat, 2)
	writeFatArch32(buf, types.CPUAmd64, 0, 4096, 1024, 12)
	writeFatArch32(buf, types.CPUArm64, 0, 8192, 2048, 14)
	buf.Write(make([]byte, 16384))

	fa, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewFatArchive() error = %v", err)
	}
	if fa.Magic != types.MagicFat {
		t.Errorf("Magic = %#x, want %#x", fa.Magic, types.MagicFat)
	}
	if len(fa.Slices()) != 2 {
		t.Fatalf("Slices() = %d entries, want 2", len(fa.Slices()))
	}

	arm, err := fa.Arm64Slice()
	if err != nil {
		t.Fatalf("Arm64Slice() error = %v", err)
	}
	if arm.Offset != 8192 || arm.Size != 2048 {
		t.Errorf("Arm64Slice() = %+v, want offset=8192 size=2048", arm)
	}
}

func TestNewFatArchiveNoArm64(t *testing.T) {
	buf := fatHeader(types.MagicFat, 1)
	writeFatArch32(buf, types.CPUAmd64, 0, 4096, 1024, 12)
	buf.Write(make([]byte, 8192))

	fa, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewFatArchive() error = %v", err)
	}
	if _, err := fa.Arm64Slice(); err == nil {
		t.Error("Arm64Slice() error = nil, want error for archive with no arm64 slice")
	}
}

func TestNewFatArchiveOverlappingSlices(t *testing.T) {
	buf := fatHeader(types.MagicFat, 2)
	writeFatArch32(buf, types.CPUAmd64, 0, 4096, 4096, 12)
	writeFatArch32(buf, types.CPUArm64, 0, 6144, 4096, 14)
	buf.Write(make([]byte, 16384))

	_, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrTruncatedBinary) {
		t.Fatalf("NewFatArchive() error = %v, want ErrTruncatedBinary for overlapping slices", err)
	}
}

func TestNewFatArchiveZeroSlices(t *testing.T) {
	buf := fatHeader(types.MagicFat, 0)

	_, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrTruncatedBinary) {
		t.Fatalf("NewFatArchive() error = %v, want ErrTruncatedBinary for zero slices", err)
	}
}

func TestNewFatArchiveThinFallback(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(types.Magic64))
	binary.Write(buf, binary.LittleEndian, uint32(types.CPUArm64))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	buf.Write(make([]byte, 64))

	fa, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewFatArchive() error = %v", err)
	}
	if len(fa.Slices()) != 1 {
		t.Fatalf("Slices() = %d entries, want 1 for a thin file", len(fa.Slices()))
	}
	if fa.Slices()[0].CPU != types.CPUArm64 {
		t.Errorf("thin slice CPU = %s, want AARCH64", fa.Slices()[0].CPU)
	}
}

func TestNewFatArchiveUnrecognizedMagic(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(0xdeadbeef))
	buf.Write(make([]byte, 64))

	_, err := NewFatArchive(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrNotAMachO) {
		t.Fatalf("NewFatArchive() error = %v, want ErrNotAMachO", err)
	}
}
