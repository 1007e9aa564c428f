package vmem

// flushInstructionCache makes freshly written machine code visible to the
// instruction stream before anything branches into it.
//
// x86 keeps data and instruction caches coherent, so there is nothing to
// do. On arm64 the mprotect transition to PROT_EXEC already forces the
// kernel to broadcast the necessary maintenance for the remapped pages,
// which covers the make-executable path used here (pages are written
// while RW and never patched once RX).
func flushInstructionCache(addr, length uintptr) {
	_ = addr
	_ = length
}
