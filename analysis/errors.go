package analysis

import macho "github.com/arm64scope/machoscope"

// errInvalidBytecode mirrors the root package's sentinel so analysis errors
// remain matchable with errors.Is against the same taxonomy spec.md §7
// defines, without re-declaring a second, unrelated error value.
var errInvalidBytecode = macho.ErrInvalidBytecode
