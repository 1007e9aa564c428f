package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/vmem"
)

// Heap is the collector-facing resource a GC heap slot lends its memory
// to. The pool does not care how the collector traces; it only demands
// that Reset return the heap to its construction-time state so the slot
// can be handed to the next instance.
type Heap interface {
	Reset()
}

// HeapConstructor builds a Heap over a slot's backing bytes. Called once
// per slot index, on its first allocation; the result is cached and
// Reset between uses.
type HeapConstructor func(mem []byte) (Heap, error)

// GCHeapConfig sizes a GCHeapPool.
type GCHeapConfig struct {
	// Capacity is the maximum number of concurrently allocated heaps.
	Capacity uint32
	// HeapBytes is the fixed heap size, rounded up to pages.
	HeapBytes uint64
	// New constructs the per-slot Heap. Nil selects NewBumpHeap.
	New       HeapConstructor
	Strategy  index.Strategy
	Simulated bool
	Logger    *zap.Logger
}

// GCHeapPool lends fixed-size GC heap slots out of one reservation.
type GCHeapPool struct {
	cfg      GCHeapConfig
	region   *vmem.Region
	alloc    *index.Allocator
	log      *zap.Logger
	slotSize uintptr
	heapSize uintptr

	mu     sync.Mutex
	slots  []gcHeapSlot
	closed bool
}

type gcHeapSlot struct {
	state slotState
	// heap is constructed on the slot's first allocation and cached;
	// the construction cost amortizes across every later reuse.
	heap Heap
}

// GCHeap is one allocated heap slot.
type GCHeap struct {
	pool  *GCHeapPool
	slot  index.SlotID
	owner index.Owner
	start uintptr
	heap  Heap
}

// NewGCHeapPool reserves the whole heap arena up front.
func NewGCHeapPool(cfg GCHeapConfig) (*GCHeapPool, error) {
	if cfg.HeapBytes > maxSlotBytes() {
		return nil, errors.Overflow("GC heap", cfg.Capacity, cfg.HeapBytes)
	}
	heapSize := roundUpPage(uintptr(cfg.HeapBytes))
	if heapSize == 0 && cfg.Capacity > 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, "zero GC heap size")
	}
	if cfg.New == nil {
		cfg.New = NewBumpHeap
	}
	guard := pageSize()
	slotSize := heapSize + guard

	p := &GCHeapPool{
		cfg:      cfg,
		alloc:    index.New(cfg.Capacity, cfg.Strategy),
		log:      orNop(cfg.Logger),
		slotSize: slotSize,
		heapSize: heapSize,
		slots:    make([]gcHeapSlot, cfg.Capacity),
	}
	if cfg.Capacity == 0 {
		return p, nil
	}

	total, err := reservationSize("GC heap", cfg.Capacity, slotSize)
	if err != nil {
		return nil, err
	}
	region, err := reserve(total, cfg.Simulated)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < cfg.Capacity; i++ {
		if err := region.RegisterGuard(uintptr(i)*slotSize+heapSize, guard); err != nil {
			region.Close()
			return nil, err
		}
	}
	p.region = region

	p.log.Debug("GC heap pool reserved",
		zap.Uint32("capacity", cfg.Capacity),
		zap.Uint64("heap_size", uint64(heapSize)))
	return p, nil
}

// Allocate hands out a heap slot, constructing the Heap object on the
// slot's first use and reusing the cached one afterwards.
func (p *GCHeapPool) Allocate(owner index.Owner) (*GCHeap, error) {
	// Closed check and index grab under one lock; see MemoryPool.Allocate.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed("GC heap")
	}
	slot, ok := p.alloc.Alloc(owner)
	p.mu.Unlock()
	if !ok {
		return nil, errors.Capacity("GC heap", p.cfg.Capacity)
	}
	p.beginTransition(slot, slotFree, slotAllocating)

	start := uintptr(slot) * p.slotSize

	p.mu.Lock()
	heap := p.slots[slot].heap
	p.mu.Unlock()

	if heap == nil {
		if err := p.region.MakeAccessible(start, p.heapSize); err != nil {
			p.fail(owner, slot)
			return nil, err
		}
		h, err := p.cfg.New(p.region.Bytes(start, p.heapSize))
		if err != nil {
			p.fail(owner, slot)
			return nil, errors.New(errors.PhaseAllocate, errors.KindInvalidInput).
				Pool("GC heap").
				Detail("heap constructor failed").
				Cause(err).
				Build()
		}
		heap = h
	}

	p.mu.Lock()
	p.slots[slot].state = slotAllocated
	p.slots[slot].heap = heap
	p.mu.Unlock()

	return &GCHeap{pool: p, slot: slot, owner: owner, start: start, heap: heap}, nil
}

// Heap returns the collector-facing resource.
func (g *GCHeap) Heap() Heap { return g.heap }

// Bytes returns the heap's backing bytes.
func (g *GCHeap) Bytes() []byte {
	if g.pool == nil {
		return nil
	}
	return g.pool.region.Bytes(g.start, g.pool.heapSize)
}

// Base returns the slot's start address.
func (g *GCHeap) Base() uintptr { return g.pool.region.Base() + g.start }

// Deallocate resets the heap, caches it, and only then frees the index.
func (p *GCHeapPool) Deallocate(g *GCHeap) {
	if g.pool != p {
		panic("pool: GC heap returned to the wrong pool")
	}
	g.pool = nil
	p.beginTransition(g.slot, slotAllocated, slotDeallocating)

	g.heap.Reset()
	if err := p.region.Decommit(g.start, p.heapSize); err != nil {
		p.mu.Lock()
		p.slots[g.slot].state = slotPoisoned
		p.slots[g.slot].heap = nil
		p.mu.Unlock()
		p.log.Error("GC heap slot poisoned, retiring it",
			zap.Uint32("slot", uint32(g.slot)),
			zap.Error(err))
		return
	}

	p.mu.Lock()
	p.slots[g.slot].state = slotFree
	p.slots[g.slot].heap = g.heap
	p.mu.Unlock()
	if testHookAfterReset != nil {
		testHookAfterReset("gcheap", uint32(g.slot))
	}
	p.alloc.Free(g.owner, g.slot)
}

// InUse returns the number of live allocations.
func (p *GCHeapPool) InUse() uint32 { return p.alloc.InUse() }

// Capacity returns the configured slot count.
func (p *GCHeapPool) Capacity() uint32 { return p.cfg.Capacity }

// Close releases the reservation.
func (p *GCHeapPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.alloc.Empty() {
		p.mu.Unlock()
		p.log.Warn("GC heap pool closed with live allocations",
			zap.Uint32("in_use", p.alloc.InUse()))
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Pool("GC heap").
			Detail("%d slots still allocated", p.alloc.InUse()).
			Build()
	}
	p.closed = true
	p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	return p.region.Close()
}

func (p *GCHeapPool) beginTransition(slot index.SlotID, from, to slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[slot]
	if s.state != from {
		panic("pool: GC heap slot state out of order")
	}
	s.state = to
}

func (p *GCHeapPool) fail(owner index.Owner, slot index.SlotID) {
	p.mu.Lock()
	p.slots[slot].state = slotFree
	p.mu.Unlock()
	p.alloc.Free(owner, slot)
}

// BumpHeap is the default Heap: a bump-pointer arena over the slot's
// bytes. Enough for tests and for collectors that manage object layout
// themselves and only need backing storage with a cheap reset.
type BumpHeap struct {
	mem []byte
	off int
}

// NewBumpHeap builds a BumpHeap over mem.
func NewBumpHeap(mem []byte) (Heap, error) {
	if len(mem) == 0 {
		return nil, errors.InvalidInput(errors.PhaseAllocate, "empty heap backing")
	}
	return &BumpHeap{mem: mem}, nil
}

// Alloc returns size bytes aligned to align, or nil when the heap is
// full. A full heap is the collector's cue to collect, not an error.
func (h *BumpHeap) Alloc(size, align int) []byte {
	off := (h.off + align - 1) &^ (align - 1)
	if off+size > len(h.mem) {
		return nil
	}
	h.off = off + size
	return h.mem[off : off+size : off+size]
}

// Used returns the bytes consumed since construction or the last Reset.
func (h *BumpHeap) Used() int { return h.off }

// Reset rewinds the heap to its construction-time state.
func (h *BumpHeap) Reset() { h.off = 0 }
