//go:build linux

package vmem

import (
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-pooling/errors"
)

// On linux MADV_DONTNEED drops the physical pages behind a private
// anonymous range immediately; the next touch faults in a zero page
// under the range's existing protection.
func (m *osMapper) decommit(start, length uintptr) error {
	if err := unix.Madvise(m.buf[start:start+length], unix.MADV_DONTNEED); err != nil {
		return errors.Platform(errors.PhaseMap, "madvise", err)
	}
	return nil
}
