package types

// VMAddrConverter bridges between a slice's virtual-address space and its
// on-disk file offsets, and optionally rewrites raw pointer words (e.g.
// unslid dyld-cache pointers) before they're interpreted as addresses.
// File.GetCString and the stub/pointer-dereference paths in the analysis
// layer all funnel through this rather than walking segments directly.
type VMAddrConverter struct {
	Converter    func(addr uint64) uint64
	VMAddr2Offet func(addr uint64) (uint64, error)
	Offet2VMAddr func(off uint64) (uint64, error)
}

// GetOffset converts a virtual address to a file offset.
func (c *VMAddrConverter) GetOffset(addr uint64) (uint64, error) {
	return c.VMAddr2Offet(addr)
}

// GetVMAddress converts a file offset to a virtual address.
func (c *VMAddrConverter) GetVMAddress(off uint64) (uint64, error) {
	return c.Offet2VMAddr(off)
}

// Convert rewrites a raw pointer word read from the binary, e.g. to strip a
// dyld shared-cache slide before treating it as an address.
func (c *VMAddrConverter) Convert(addr uint64) uint64 {
	if c.Converter == nil {
		return addr
	}
	return c.Converter(addr)
}
