package bufpool

import "unsafe"

// alignedOffset returns the offset into raw at which the backing array's
// address is a multiple of alignment. raw must be alignment bytes longer
// than the region the caller intends to carve out of it.
func alignedOffset(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&raw[0]))
	rem := uint64(addr) % alignment
	if rem == 0 {
		return 0
	}
	return alignment - rem
}
