package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/vmem"
)

// MemoryConfig sizes a MemoryPool.
type MemoryConfig struct {
	// Capacity is the maximum number of concurrently allocated memories.
	Capacity uint32
	// MaxMemoryBytes is the static per-memory maximum. Growth never
	// exceeds it and slots are laid out to accommodate it fully.
	MaxMemoryBytes uint64
	// GuardBytes is the inaccessible span after each slot's data range.
	// Zero selects one page.
	GuardBytes uint64
	// KeepResident bounds the extent that is remapped in place on
	// deallocate; dirtied extents above it are decommitted instead.
	KeepResident uint64
	// Strategy selects the slot-reuse policy.
	Strategy index.Strategy
	// Simulated selects the software-modeled region backend.
	Simulated bool
	Logger    *zap.Logger
}

// MemoryPool lends fixed-size linear-memory slots out of one reservation.
type MemoryPool struct {
	cfg      MemoryConfig
	region   *vmem.Region
	alloc    *index.Allocator
	log      *zap.Logger
	slotSize uintptr // data + guard, page-aligned
	dataSize uintptr

	mu     sync.Mutex
	slots  []memorySlot
	closed bool
}

type memorySlot struct {
	state slotState
	// accessible is the committed ReadWrite extent. It survives
	// deallocation: decommit and remap keep pages ReadWrite, so a
	// reused slot skips the protection transition entirely.
	accessible uintptr
	image      *vmem.Image // holds one reference while mapped
}

// NewMemoryPool reserves capacity x (data + guard) bytes of address space
// up front and registers every guard range.
func NewMemoryPool(cfg MemoryConfig) (*MemoryPool, error) {
	log := orNop(cfg.Logger)

	if cfg.MaxMemoryBytes > maxSlotBytes() {
		return nil, errors.Overflow("memory", cfg.Capacity, cfg.MaxMemoryBytes)
	}
	if cfg.GuardBytes > maxSlotBytes() {
		return nil, errors.Overflow("memory", cfg.Capacity, cfg.GuardBytes)
	}
	dataSize := roundUpPage(uintptr(cfg.MaxMemoryBytes))
	guard := roundUpPage(uintptr(cfg.GuardBytes))
	if guard == 0 {
		guard = pageSize()
	}
	slotSize := dataSize + guard
	if slotSize < dataSize {
		return nil, errors.Overflow("memory", cfg.Capacity, uint64(dataSize))
	}

	p := &MemoryPool{
		cfg:      cfg,
		alloc:    index.New(cfg.Capacity, cfg.Strategy),
		log:      log,
		slotSize: slotSize,
		dataSize: dataSize,
		slots:    make([]memorySlot, cfg.Capacity),
	}
	if cfg.Capacity == 0 {
		return p, nil
	}

	total, err := reservationSize("memory", cfg.Capacity, slotSize)
	if err != nil {
		return nil, err
	}
	region, err := reserve(total, cfg.Simulated)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < cfg.Capacity; i++ {
		if err := region.RegisterGuard(uintptr(i)*slotSize+dataSize, guard); err != nil {
			region.Close()
			return nil, err
		}
	}
	p.region = region

	log.Debug("memory pool reserved",
		zap.Uint32("capacity", cfg.Capacity),
		zap.Uint64("slot_size", uint64(slotSize)),
		zap.Uint64("reservation", uint64(total)))
	return p, nil
}

// MemoryRequest describes one linear memory to allocate.
type MemoryRequest struct {
	// Owner is the affinity key, typically the compiled module identity.
	Owner index.Owner
	// MinBytes is the memory's initial size; it becomes the accessible
	// extent. Must not exceed the pool's static maximum.
	MinBytes uint64
	// Image, when non-nil, is copy-on-write mapped at offset zero so the
	// memory starts with the module's initialized data.
	Image *vmem.Image
}

// Memory is one allocated linear-memory slot. It is the only capability
// that touches the slot; returning it via Deallocate is the only way the
// slot becomes free again.
type Memory struct {
	pool  *MemoryPool
	slot  index.SlotID
	owner index.Owner
	start uintptr
	size  uintptr
}

// Allocate hands out a slot, makes its initial extent accessible, and
// maps the request's image when present. Exhaustion is a capacity error
// the caller treats as backpressure.
func (p *MemoryPool) Allocate(req MemoryRequest) (*Memory, error) {
	if req.MinBytes > uint64(p.dataSize) {
		return nil, errors.New(errors.PhaseAllocate, errors.KindLimit).
			Pool("memory").
			Detail("initial size %d exceeds slot maximum %d", req.MinBytes, p.dataSize).
			Build()
	}
	initLen := roundUpPage(uintptr(req.MinBytes))
	if req.Image != nil {
		if req.Image.Len() > initLen {
			return nil, errors.InvalidInput(errors.PhaseAllocate,
				"memory image larger than the requested initial size")
		}
	}

	// The closed check and the index grab share one critical section so a
	// concurrent Close either observes the slot as in use or fences the
	// allocation out before it can touch the region.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed("memory")
	}
	slot, ok := p.alloc.Alloc(req.Owner)
	p.mu.Unlock()
	if !ok {
		return nil, errors.Capacity("memory", p.cfg.Capacity)
	}
	p.beginTransition(slot, slotFree, slotAllocating)

	start := uintptr(slot) * p.slotSize
	if err := p.prepareSlot(slot, start, initLen, req.Image); err != nil {
		p.abortAllocate(req.Owner, slot, start)
		return nil, err
	}

	p.mu.Lock()
	s := &p.slots[slot]
	s.state = slotAllocated
	if initLen > s.accessible {
		s.accessible = initLen
	}
	if req.Image != nil {
		s.image = req.Image.Ref()
	}
	p.mu.Unlock()

	return &Memory{pool: p, slot: slot, owner: req.Owner, start: start, size: initLen}, nil
}

func (p *MemoryPool) prepareSlot(slot index.SlotID, start, initLen uintptr, img *vmem.Image) error {
	if initLen == 0 {
		return nil
	}
	if img != nil {
		// MapImageAt zeroes the whole extent first, so previous slot
		// contents never leak around the image.
		return p.region.MapImageAt(img, start, initLen, 0)
	}
	p.mu.Lock()
	committed := p.slots[slot].accessible
	p.mu.Unlock()
	if initLen <= committed {
		// Already ReadWrite and zeroed by the previous reset.
		return nil
	}
	return p.region.MakeAccessible(start, initLen)
}

// Grow makes newly in-bounds pages accessible within the slot's
// pre-reserved extent. Growth past the static maximum is a limit error;
// it is a module-defined hard cap, not something to retry.
func (m *Memory) Grow(newBytes uint64) error {
	p := m.pool
	if p == nil {
		return errors.InvalidInput(errors.PhaseGrow, "memory already deallocated")
	}
	if newBytes > uint64(p.dataSize) {
		return errors.GrowLimit(newBytes, uint64(p.dataSize))
	}
	newLen := roundUpPage(uintptr(newBytes))
	if newLen <= m.size {
		return nil
	}
	if err := p.region.MakeAccessible(m.start+m.size, newLen-m.size); err != nil {
		return err
	}
	m.size = newLen
	p.mu.Lock()
	if newLen > p.slots[m.slot].accessible {
		p.slots[m.slot].accessible = newLen
	}
	p.mu.Unlock()
	return nil
}

// Bytes returns the memory's accessible window. Compiled code bounds
// checks against exactly this range.
func (m *Memory) Bytes() []byte {
	if m.pool == nil {
		return nil
	}
	return m.pool.region.Bytes(m.start, m.size)
}

// Base returns the slot's start address, stable for the allocation's
// lifetime.
func (m *Memory) Base() uintptr {
	return m.pool.region.Base() + m.start
}

// Size returns the current accessible length in bytes.
func (m *Memory) Size() uint64 { return uint64(m.size) }

// Max returns the static maximum this memory may grow to.
func (m *Memory) Max() uint64 { return uint64(m.pool.dataSize) }

// Deallocate resets the slot and returns it to the free set. Infallible
// from the caller's perspective: an OS failure during reset poisons the
// slot, which is logged and permanently retired instead of reused dirty.
func (p *MemoryPool) Deallocate(m *Memory) {
	if m.pool != p {
		panic("pool: memory returned to the wrong pool")
	}
	m.pool = nil
	p.beginTransition(m.slot, slotAllocated, slotDeallocating)

	p.mu.Lock()
	s := &p.slots[m.slot]
	extent := s.accessible
	img := s.image
	s.image = nil
	p.mu.Unlock()

	if err := p.resetSlot(m.start, extent, img); err != nil {
		p.poison(m.slot, err)
		return
	}

	p.mu.Lock()
	p.slots[m.slot].state = slotFree
	p.mu.Unlock()
	if testHookAfterReset != nil {
		testHookAfterReset("memory", uint32(m.slot))
	}
	// Reset happened above; only now may another caller see this index.
	p.alloc.Free(m.owner, m.slot)
}

func (p *MemoryPool) resetSlot(start, extent uintptr, img *vmem.Image) error {
	if img != nil {
		defer img.Unref()
	}
	if extent == 0 {
		return nil
	}
	if img != nil || extent <= uintptr(p.cfg.KeepResident) {
		// Drop the image mapping (or dirty pages) and leave fresh
		// zero pages in place for the next occupant.
		return p.region.RemapAsZerosAt(start, extent)
	}
	return p.region.Decommit(start, extent)
}

// InUse returns the number of live allocations.
func (p *MemoryPool) InUse() uint32 { return p.alloc.InUse() }

// Capacity returns the configured slot count.
func (p *MemoryPool) Capacity() uint32 { return p.cfg.Capacity }

// MaxBytes returns the page-rounded per-memory maximum.
func (p *MemoryPool) MaxBytes() uint64 { return uint64(p.dataSize) }

// SlotSize returns the per-slot span including its guard range.
func (p *MemoryPool) SlotSize() uint64 { return uint64(p.slotSize) }

// Close releases the reservation. Fails while any slot is still
// allocated, since freeing the region would yank memory out from under
// live instances.
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.alloc.Empty() {
		p.mu.Unlock()
		p.log.Warn("memory pool closed with live allocations",
			zap.Uint32("in_use", p.alloc.InUse()))
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Pool("memory").
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

func (p *MemoryPool) beginTransition(slot index.SlotID, from, to slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[slot]
	if s.state != from {
		panic("pool: memory slot state out of order")
	}
	s.state = to
}

// abortAllocate unwinds a failed allocation: best-effort slot scrub, then
// the index goes back. If even the scrub fails the slot is poisoned.
func (p *MemoryPool) abortAllocate(owner index.Owner, slot index.SlotID, start uintptr) {
	p.mu.Lock()
	extent := p.slots[slot].accessible
	p.mu.Unlock()
	if extent > 0 {
		if err := p.region.RemapAsZerosAt(start, extent); err != nil {
			p.poison(slot, err)
			return
		}
	}
	p.mu.Lock()
	p.slots[slot].state = slotFree
	p.mu.Unlock()
	p.alloc.Free(owner, slot)
}

func (p *MemoryPool) poison(slot index.SlotID, err error) {
	p.mu.Lock()
	p.slots[slot].state = slotPoisoned
	p.mu.Unlock()
	p.log.Error("memory slot poisoned, retiring it",
		zap.Uint32("slot", uint32(slot)),
		zap.Error(err))
}
