//go:build unix

package vmem

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-pooling/errors"
)

// osMapper is the mmap-backed region implementation for unix targets.
// The slice covers the whole reservation; protection is per sub-range
// via mprotect, so the slice is only safe to dereference where a range
// has been made accessible.
type osMapper struct {
	buf []byte
}

func reserve(size uintptr) (mapper, error) {
	// A PROT_NONE private anonymous mapping reserves address space
	// without committing memory.
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Platform(errors.PhaseReserve, "mmap", err)
	}
	return &osMapper{buf: buf}, nil
}

func (m *osMapper) base() uintptr {
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

func (m *osMapper) bytes(start, length uintptr) []byte {
	return m.buf[start : start+length : start+length]
}

func (m *osMapper) protect(start, length uintptr, prot Protection, branchProtection bool) error {
	if err := unix.Mprotect(m.buf[start:start+length], protBits(prot, branchProtection)); err != nil {
		return errors.Platform(errors.PhaseMap, "mprotect", err)
	}
	return nil
}

func (m *osMapper) remapZeros(start, length uintptr) error {
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(&m.buf[start]), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	if err != nil {
		return errors.Platform(errors.PhaseMap, "mmap fixed", err)
	}
	return nil
}

func (m *osMapper) mapImage(img *Image, start uintptr) error {
	if img.fd < 0 {
		// No file-backed image on this target; the caller just zeroed the
		// range, so a plain copy is behaviorally identical, minus the
		// cross-instance page sharing.
		copy(m.buf[start:], img.data)
		return nil
	}
	_, err := unix.MmapPtr(img.fd, 0, unsafe.Pointer(&m.buf[start]), img.mapLen(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return errors.Platform(errors.PhaseMap, "mmap image", err)
	}
	return nil
}

func (m *osMapper) protectionAt(uintptr) (Protection, bool) {
	// The kernel holds the authoritative state; there is no portable query.
	return ProtNone, false
}

func (m *osMapper) release() error {
	buf := m.buf
	m.buf = nil
	if err := unix.Munmap(buf); err != nil {
		return errors.Platform(errors.PhaseMap, "munmap", err)
	}
	return nil
}

// protBTI marks executable pages as valid indirect-branch targets
// (ARM Branch Target Identification). Only the linux/arm64 kernel
// interprets the bit; elsewhere requesting it would be EINVAL.
const protBTI = 0x10

func protBits(p Protection, branchProtection bool) int {
	var b int
	switch p {
	case ProtReadWrite:
		b = unix.PROT_READ | unix.PROT_WRITE
	case ProtReadOnly:
		b = unix.PROT_READ
	case ProtReadExec:
		b = unix.PROT_READ | unix.PROT_EXEC
		if branchProtection && runtime.GOOS == "linux" && runtime.GOARCH == "arm64" {
			b |= protBTI
		}
	}
	return b
}
