//go:build !linux

package vmem

// Without memfd the private byte copy made at construction is the
// backing; mapping degenerates to a memcpy into the target slot.
func (i *Image) initBacking() error { return nil }

func (i *Image) closeBacking() error { return nil }
