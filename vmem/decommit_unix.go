//go:build unix && !linux

package vmem

// Targets without a reliable decommit advice fall back to remapping the
// range with fresh anonymous pages. Slower (a syscall that tears down the
// old mapping) but behaviorally identical: the next access reads zero.
func (m *osMapper) decommit(start, length uintptr) error {
	return m.remapZeros(start, length)
}
