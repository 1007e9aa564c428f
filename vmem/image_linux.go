//go:build linux

package vmem

import (
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-pooling/errors"
)

// initBacking copies the image into a sealed memfd so slots can map it
// MAP_PRIVATE and share unmodified pages.
func (i *Image) initBacking() error {
	fd, err := unix.MemfdCreate("wasm-pooling-image", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return errors.Platform(errors.PhaseMap, "memfd_create", err)
	}
	// Round the file up to page size; the tail past the logical image
	// length reads as zero through any mapping.
	if err := unix.Ftruncate(fd, int64(i.mapLen())); err != nil {
		unix.Close(fd)
		return errors.Platform(errors.PhaseMap, "ftruncate", err)
	}
	for off := 0; off < len(i.data); {
		n, err := unix.Pwrite(fd, i.data[off:], int64(off))
		if err != nil {
			unix.Close(fd)
			return errors.Platform(errors.PhaseMap, "pwrite", err)
		}
		off += n
	}
	// Seal so no one, including this process, can change the preimage
	// out from under live copy-on-write mappings.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return errors.Platform(errors.PhaseMap, "fcntl seal", err)
	}
	i.fd = fd
	return nil
}

func (i *Image) closeBacking() error {
	if i.fd < 0 {
		return nil
	}
	fd := i.fd
	i.fd = -1
	if err := unix.Close(fd); err != nil {
		return errors.Platform(errors.PhaseMap, "close", err)
	}
	return nil
}
