package types

import "io"

// MachoReader is the minimal seekable, randomly addressable view over a
// slice's raw bytes that the fixup-chain walker needs. Both
// *io.SectionReader (the whole-file view) and any narrower in-memory mock
// satisfy it.
type MachoReader interface {
	io.Reader
	io.Seeker
	io.ReaderAt
}
