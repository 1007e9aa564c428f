package vmem

import (
	"os"
	"sync/atomic"

	"github.com/wippyai/wasm-pooling/errors"
)

// Image is the immutable preimage of a linear memory's initialized data,
// mappable copy-on-write into any number of slots at once. It is built
// once per compiled module and reference-counted: the module holds the
// construction reference, and the memory pool takes one more per slot the
// image is currently mapped into, so the backing outlives every mapping.
//
// On linux the backing is a sealed memfd, so unmodified pages are
// physically shared across instances and a guest write fault-copies just
// that page. Other targets keep a private byte copy; semantics are
// identical, only the sharing is lost.
type Image struct {
	data     []byte
	size     uintptr
	pageSize uintptr
	fd       int
	refs     atomic.Int64
}

// NewImage builds an image from a module's data-segment preimage.
// data is copied; the caller's buffer is not retained.
func NewImage(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.InvalidInput(errors.PhaseMap, "empty memory image")
	}
	img := &Image{
		data:     append([]byte(nil), data...),
		size:     uintptr(len(data)),
		pageSize: uintptr(os.Getpagesize()),
		fd:       -1,
	}
	img.refs.Store(1)
	if err := img.initBacking(); err != nil {
		return nil, err
	}
	return img, nil
}

// Len returns the logical image length in bytes.
func (i *Image) Len() uintptr { return i.size }

// mapLen is the page-rounded extent a mapping of the image occupies.
// The tail past Len reads as zero.
func (i *Image) mapLen() uintptr {
	return roundUp(i.size, i.pageSize)
}

// Ref takes an additional reference and returns i for chaining.
func (i *Image) Ref() *Image {
	i.refs.Add(1)
	return i
}

// Unref drops one reference, releasing the backing at zero. Dropping the
// last reference while the image is still mapped somewhere is a caller
// bug; the memory pool's per-slot references make that unreachable.
func (i *Image) Unref() error {
	if n := i.refs.Add(-1); n == 0 {
		return i.closeBacking()
	} else if n < 0 {
		panic("vmem: image reference count underflow")
	}
	return nil
}
