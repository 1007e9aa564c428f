package pool

import (
	stderrors "errors"
	"os"
	"testing"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
)

func testGCHeapPool(t *testing.T, capacity uint32, ctor HeapConstructor) *GCHeapPool {
	t.Helper()
	p, err := NewGCHeapPool(GCHeapConfig{
		Capacity:  capacity,
		HeapBytes: uint64(os.Getpagesize()) * 2,
		New:       ctor,
		Strategy:  index.NextAvailable,
		Simulated: true,
	})
	if err != nil {
		t.Fatalf("NewGCHeapPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGCHeapCapacityInvariant(t *testing.T) {
	p := testGCHeapPool(t, 2, nil)

	h0, err := p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(index.NoOwner); !errors.IsCapacity(err) {
		t.Fatalf("want capacity error, got %v", err)
	}
	p.Deallocate(h0)
	p.Deallocate(h1)
}

func TestGCHeapLazyConstruction(t *testing.T) {
	built := 0
	ctor := func(mem []byte) (Heap, error) {
		built++
		return NewBumpHeap(mem)
	}
	p := testGCHeapPool(t, 2, ctor)

	h, err := p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	if built != 1 {
		t.Fatalf("constructor ran %d times, want 1", built)
	}
	first := h.Heap()
	p.Deallocate(h)

	// Same slot again: cached object, no second construction.
	h, err = p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	if built != 1 {
		t.Fatalf("constructor ran %d times after reuse, want 1", built)
	}
	if h.Heap() != first {
		t.Fatal("reused slot should return the cached heap")
	}
	p.Deallocate(h)
}

func TestGCHeapResetOnDeallocate(t *testing.T) {
	p := testGCHeapPool(t, 1, nil)

	h, err := p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	bump := h.Heap().(*BumpHeap)
	if b := bump.Alloc(64, 8); b == nil {
		t.Fatal("fresh heap should satisfy a small allocation")
	}
	if bump.Used() == 0 {
		t.Fatal("heap should account the allocation")
	}
	p.Deallocate(h)

	h, err = p.Allocate(index.NoOwner)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Deallocate(h)
	if got := h.Heap().(*BumpHeap).Used(); got != 0 {
		t.Fatalf("recycled heap Used = %d, want 0", got)
	}
	// And the backing memory is zero again.
	for i, v := range h.Bytes()[:64] {
		if v != 0 {
			t.Fatalf("heap byte %d = %#x after recycle, want 0", i, v)
		}
	}
}

func TestBumpHeap(t *testing.T) {
	mem := make([]byte, 128)
	h, err := NewBumpHeap(mem)
	if err != nil {
		t.Fatal(err)
	}
	bump := h.(*BumpHeap)

	a := bump.Alloc(10, 8)
	if a == nil || len(a) != 10 {
		t.Fatalf("Alloc(10) = %v", a)
	}
	b := bump.Alloc(10, 8)
	if b == nil {
		t.Fatal("second Alloc failed")
	}
	if &b[0] == &a[0] {
		t.Fatal("allocations must not alias")
	}
	// First allocation ends at 10; the second aligns to 16 and adds 10.
	if bump.Used() != 26 {
		t.Fatalf("Used = %d, want 26", bump.Used())
	}
	if bump.Alloc(1024, 8) != nil {
		t.Fatal("oversized Alloc should return nil")
	}
	bump.Reset()
	if bump.Used() != 0 {
		t.Fatal("Reset should rewind the heap")
	}
}

func TestGCHeapConstructorFailure(t *testing.T) {
	ctor := func(mem []byte) (Heap, error) {
		return nil, errors.InvalidInput(errors.PhaseAllocate, "refused")
	}
	p := testGCHeapPool(t, 1, ctor)

	if _, err := p.Allocate(index.NoOwner); err == nil {
		t.Fatal("constructor failure must surface")
	}
	if p.InUse() != 0 {
		t.Fatal("failed allocation must not consume a slot")
	}
}

func TestGCHeapOverflowRejected(t *testing.T) {
	_, err := NewGCHeapPool(GCHeapConfig{Capacity: 1, HeapBytes: ^uint64(0), Simulated: true})
	if err == nil {
		t.Fatal("heap size wrapping page rounding must be rejected")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindOverflow {
		t.Fatalf("want overflow error, got %v", err)
	}
}
