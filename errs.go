package macho

import (
	"errors"
	"fmt"

	"github.com/arm64scope/machoscope/types"
)

// Sentinel errors for the library's error conditions. ErrNotAMachO and
// ErrTruncatedBinary are returned by NewFatArchive/Parse. ErrInconsistentSymtab
// and ErrAmbiguousLayout are mostly wrapped into non-fatal warnings
// (StubResolution.Warnings, File.Warnings); ResolveStubs also returns
// ErrInconsistentSymtab when the symbol tables are missing. Wrap with
// fmt.Errorf("...: %w", Err...) at the call site so errors.Is still matches
// through the added context.
var (
	ErrNotAMachO          = errors.New("not a mach-o file")
	ErrTruncatedBinary    = errors.New("truncated mach-o binary")
	ErrInconsistentSymtab = errors.New("inconsistent symbol table")
	ErrInvalidBytecode    = errors.New("invalid or undecodable instruction bytecode")
	ErrAmbiguousLayout    = errors.New("ambiguous objective-c method list layout")
)

// UnknownLoadCommandError records a load command the parser doesn't model.
// It is non-fatal: NewFile appends one to File.Warnings and keeps going,
// storing the raw command as a LoadCmdBytes.
type UnknownLoadCommandError struct {
	Cmd    types.LoadCmd
	Offset int64
}

func (e *UnknownLoadCommandError) Error() string {
	return fmt.Sprintf("unknown load command %s at offset %#x", e.Cmd, e.Offset)
}
