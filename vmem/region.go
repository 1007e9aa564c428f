package vmem

import (
	"fmt"
	"os"
	"sync"

	"github.com/wippyai/wasm-pooling/errors"
)

// Protection is the access state of a page range.
type Protection int

const (
	// ProtNone is the reserved-but-inaccessible state. Guard ranges and
	// never-touched slots stay here.
	ProtNone Protection = iota
	// ProtReadWrite is zero-filled (or image-backed) mutable data.
	ProtReadWrite
	// ProtReadOnly holds constant data.
	ProtReadOnly
	// ProtReadExec holds machine code.
	ProtReadExec
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtReadWrite:
		return "rw"
	case ProtReadOnly:
		return "ro"
	case ProtReadExec:
		return "rx"
	}
	return fmt.Sprintf("Protection(%d)", int(p))
}

// Range is a byte range relative to a region's base.
type Range struct {
	Start uintptr
	Len   uintptr
}

// End returns the first byte past the range.
func (r Range) End() uintptr { return r.Start + r.Len }

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// mapper is the platform backend behind a Region. Exactly one
// implementation is active per target; nothing outside this package
// branches on the platform.
type mapper interface {
	base() uintptr
	bytes(start, length uintptr) []byte
	protect(start, length uintptr, prot Protection, branchProtection bool) error
	decommit(start, length uintptr) error
	remapZeros(start, length uintptr) error
	mapImage(img *Image, start uintptr) error
	protectionAt(start uintptr) (Protection, bool)
	release() error
}

// Region is one contiguous address-space reservation, initially
// inaccessible. Its base address and size never change; sub-ranges
// transition independently between protection states.
type Region struct {
	m        mapper
	size     uintptr
	pageSize uintptr

	guardMu sync.RWMutex
	guards  []Range
}

// Reserve maps size bytes of address space with no access rights.
// size is rounded up to the page size. A denied reservation is a fatal
// configuration error: it means the platform refused the address space,
// and retrying cannot help.
func Reserve(size uintptr) (*Region, error) {
	page := uintptr(os.Getpagesize())
	size = roundUp(size, page)
	if size == 0 {
		return nil, errors.InvalidInput(errors.PhaseReserve, "zero-size reservation")
	}
	m, err := reserve(size)
	if err != nil {
		return nil, err
	}
	return &Region{m: m, size: size, pageSize: page}, nil
}

// ReserveSimulated builds a region on a plain heap buffer with a software
// protection model. Behaviorally identical to a real region except that
// violating an inaccessible range is reported as an error instead of a
// hardware fault. Used on platforms without mmap and throughout the tests.
func ReserveSimulated(size uintptr) (*Region, error) {
	page := uintptr(os.Getpagesize())
	size = roundUp(size, page)
	if size == 0 {
		return nil, errors.InvalidInput(errors.PhaseReserve, "zero-size reservation")
	}
	return &Region{m: newSimMapper(size, page), size: size, pageSize: page}, nil
}

// Base returns the reservation's start address. Stable for the region's
// lifetime; compiled code may bake slot addresses derived from it.
func (r *Region) Base() uintptr { return r.m.base() }

// Size returns the reservation length in bytes.
func (r *Region) Size() uintptr { return r.size }

// PageSize returns the OS page granularity all ranges must align to.
func (r *Region) PageSize() uintptr { return r.pageSize }

// RegisterGuard declares [start, start+length) as a guard range. Every
// later transition is checked against it; making a guard range accessible
// is a contract violation, not a recoverable error. Pools register their
// guards once, during construction, before the region sees any traffic.
func (r *Region) RegisterGuard(start, length uintptr) error {
	if err := r.checkRange(start, length); err != nil {
		return err
	}
	r.guardMu.Lock()
	r.guards = append(r.guards, Range{Start: start, Len: length})
	r.guardMu.Unlock()
	return nil
}

// MakeAccessible transitions [start, start+length) to zero-filled
// ReadWrite. Called before copying initial instance state into a slot.
func (r *Region) MakeAccessible(start, length uintptr) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	return r.m.protect(start, length, ProtReadWrite, false)
}

// MakeReadonly transitions the range to ReadOnly.
func (r *Region) MakeReadonly(start, length uintptr) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	return r.m.protect(start, length, ProtReadOnly, false)
}

// MakeExecutable transitions the range to ReadExecute and performs any
// instruction-cache maintenance the target needs before the new code is
// branched into. branchProtection enables hardware control-flow-integrity
// marking where the platform supports it; elsewhere it is silently a no-op.
func (r *Region) MakeExecutable(start, length uintptr, branchProtection bool) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	if err := r.m.protect(start, length, ProtReadExec, branchProtection); err != nil {
		return err
	}
	flushInstructionCache(r.m.base()+start, length)
	return nil
}

// Decommit releases the physical pages behind the range while keeping the
// reservation. A later access behaves as zero-filled ReadWrite. Platforms
// without a true decommit primitive fall back to remapping zeroed pages,
// slower but behaviorally identical.
func (r *Region) Decommit(start, length uintptr) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	return r.m.decommit(start, length)
}

// MapImageAt maps img copy-on-write so its bytes appear at offset off
// within [start, start+length). Bytes of the range beyond the image's
// extent read as zero. The caller keeps img alive until the mapping is
// replaced; the memory pool holds a reference per mapped slot.
func (r *Region) MapImageAt(img *Image, start, length, off uintptr) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	if off%r.pageSize != 0 {
		return errors.InvalidInput(errors.PhaseMap, "image offset not page-aligned")
	}
	if off+img.mapLen() > length {
		return errors.InvalidInput(errors.PhaseMap, "image does not fit the target range")
	}
	// Zero the whole range first so everything outside the image extent
	// reads as zero regardless of the slot's previous contents.
	if err := r.m.remapZeros(start, length); err != nil {
		return err
	}
	return r.m.mapImage(img, start+off)
}

// RemapAsZerosAt replaces whatever backs the range, including any
// copy-on-write image pages, with private zero-filled ReadWrite pages.
// Used when a slot returns to the free list so the next occupant starts
// clean without re-touching every byte.
func (r *Region) RemapAsZerosAt(start, length uintptr) error {
	if err := r.checkTransition(start, length); err != nil {
		return err
	}
	return r.m.remapZeros(start, length)
}

// Bytes returns a window into the reservation. The window is only safe to
// touch while the underlying range is accessible; on a simulated region an
// inaccessible range returns nil instead of faulting.
func (r *Region) Bytes(start, length uintptr) []byte {
	if start+length > r.size || start+length < start {
		return nil
	}
	return r.m.bytes(start, length)
}

// ProtectionAt reports the protection state of the page containing start.
// ok is false when the backend cannot answer (real OS mappings have no
// queryable state); the simulated backend always answers.
func (r *Region) ProtectionAt(start uintptr) (Protection, bool) {
	if start >= r.size {
		return ProtNone, false
	}
	return r.m.protectionAt(start)
}

// Close releases the reservation. All slots must be dead: any pointer
// previously handed out dangles afterwards.
func (r *Region) Close() error {
	return r.m.release()
}

func (r *Region) checkRange(start, length uintptr) error {
	if length == 0 {
		return errors.InvalidInput(errors.PhaseMap, "zero-length range")
	}
	end := start + length
	if end < start || end > r.size {
		return errors.InvalidInput(errors.PhaseMap,
			fmt.Sprintf("range [%#x, %#x) outside region of %d bytes", start, end, r.size))
	}
	if start%r.pageSize != 0 || length%r.pageSize != 0 {
		return errors.InvalidInput(errors.PhaseMap,
			fmt.Sprintf("range [%#x, %#x) not page-aligned", start, end))
	}
	return nil
}

// checkTransition rejects any state change that touches a guard range.
// Decommit counts: a decommitted page reads back as zero-filled ReadWrite,
// which would silently disarm the guard.
func (r *Region) checkTransition(start, length uintptr) error {
	if err := r.checkRange(start, length); err != nil {
		return err
	}
	q := Range{Start: start, Len: length}
	r.guardMu.RLock()
	defer r.guardMu.RUnlock()
	for _, g := range r.guards {
		if q.overlaps(g) {
			return errors.InvalidInput(errors.PhaseMap,
				fmt.Sprintf("range [%#x, %#x) overlaps guard [%#x, %#x)", q.Start, q.End(), g.Start, g.End()))
		}
	}
	return nil
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
