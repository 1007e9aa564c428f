//go:build !unix

package vmem

import "os"

// Targets without mmap run every region on the software-modeled backend.
func reserve(size uintptr) (mapper, error) {
	return newSimMapper(size, uintptr(os.Getpagesize())), nil
}
