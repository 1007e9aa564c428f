package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/vmem"
)

// StackConfig sizes a StackPool.
type StackConfig struct {
	// Capacity is the maximum number of concurrently allocated stacks.
	Capacity uint32
	// StackBytes is the fixed usable stack size, rounded up to pages.
	StackBytes uint64
	Strategy   index.Strategy
	Simulated  bool
	Logger     *zap.Logger
}

// StackPool lends fixed-size fiber stacks. Each slot is one guard page
// followed by the stack bytes; stacks grow downward, so running off the
// bottom lands on the guard and faults instead of silently entering the
// neighbouring slot.
type StackPool struct {
	cfg       StackConfig
	region    *vmem.Region
	alloc     *index.Allocator
	log       *zap.Logger
	slotSize  uintptr
	stackSize uintptr

	mu     sync.Mutex
	slots  []stackSlot
	closed bool
}

type stackSlot struct {
	state slotState
	// prepared is set once the slot's pages are ReadWrite; decommit
	// leaves them accessible, so the transition runs on first use only.
	prepared bool
}

// Stack is one allocated fiber stack, consumed by the stack-switching
// mechanism. Top is the initial stack pointer; the usable range runs
// from Top downward to the guard page.
type Stack struct {
	pool  *StackPool
	slot  index.SlotID
	owner index.Owner
	// start is the region-relative offset of the usable stack bytes,
	// just past the slot's guard page.
	start uintptr
}

// NewStackPool reserves the whole stack arena up front and registers a
// guard page below every stack.
func NewStackPool(cfg StackConfig) (*StackPool, error) {
	if cfg.StackBytes > maxSlotBytes() {
		return nil, errors.Overflow("stack", cfg.Capacity, cfg.StackBytes)
	}
	stackSize := roundUpPage(uintptr(cfg.StackBytes))
	if stackSize == 0 && cfg.Capacity > 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, "zero stack size")
	}
	guard := pageSize()
	slotSize := guard + stackSize

	p := &StackPool{
		cfg:       cfg,
		alloc:     index.New(cfg.Capacity, cfg.Strategy),
		log:       orNop(cfg.Logger),
		slotSize:  slotSize,
		stackSize: stackSize,
		slots:     make([]stackSlot, cfg.Capacity),
	}
	if cfg.Capacity == 0 {
		return p, nil
	}

	total, err := reservationSize("stack", cfg.Capacity, slotSize)
	if err != nil {
		return nil, err
	}
	region, err := reserve(total, cfg.Simulated)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < cfg.Capacity; i++ {
		if err := region.RegisterGuard(uintptr(i)*slotSize, guard); err != nil {
			region.Close()
			return nil, err
		}
	}
	p.region = region

	p.log.Debug("stack pool reserved",
		zap.Uint32("capacity", cfg.Capacity),
		zap.Uint64("stack_size", uint64(stackSize)))
	return p, nil
}

// Allocate hands out a stack. The slot's accessibility transition runs
// on first use of the slot index only; every occupant gets its own
// Stack handle, which Deallocate invalidates.
func (p *StackPool) Allocate(owner index.Owner) (*Stack, error) {
	// Closed check and index grab under one lock; see MemoryPool.Allocate.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed("stack")
	}
	slot, ok := p.alloc.Alloc(owner)
	p.mu.Unlock()
	if !ok {
		return nil, errors.Capacity("stack", p.cfg.Capacity)
	}
	p.beginTransition(slot, slotFree, slotAllocating)

	start := uintptr(slot)*p.slotSize + pageSize()
	p.mu.Lock()
	prepared := p.slots[slot].prepared
	p.mu.Unlock()
	if !prepared {
		if err := p.region.MakeAccessible(start, p.stackSize); err != nil {
			p.mu.Lock()
			p.slots[slot].state = slotFree
			p.mu.Unlock()
			p.alloc.Free(owner, slot)
			return nil, err
		}
	}

	p.mu.Lock()
	p.slots[slot].state = slotAllocated
	p.slots[slot].prepared = true
	p.mu.Unlock()
	return &Stack{pool: p, slot: slot, owner: owner, start: start}, nil
}

// Top returns the initial stack pointer, the high end of the usable
// range. Fibers push downward from here.
func (s *Stack) Top() uintptr {
	return s.pool.region.Base() + s.start + s.pool.stackSize
}

// Range returns the usable stack's absolute address range.
func (s *Stack) Range() (base uintptr, length uintptr) {
	return s.pool.region.Base() + s.start, s.pool.stackSize
}

// Bytes returns the usable stack bytes, low address first. Nil after
// the stack has been deallocated.
func (s *Stack) Bytes() []byte {
	if s.pool == nil {
		return nil
	}
	return s.pool.region.Bytes(s.start, s.pool.stackSize)
}

// Deallocate decommits the stack's pages, invalidates the handle, and
// frees the index, in that order. A retained handle can never alias the
// slot's next occupant.
func (p *StackPool) Deallocate(s *Stack) {
	if s.pool != p {
		panic("pool: stack returned to the wrong pool")
	}
	s.pool = nil
	p.beginTransition(s.slot, slotAllocated, slotDeallocating)

	// Whatever the fiber left behind must not leak into the next
	// instance; decommit reads back as zero.
	if err := p.region.Decommit(s.start, p.stackSize); err != nil {
		p.mu.Lock()
		p.slots[s.slot].state = slotPoisoned
		p.mu.Unlock()
		p.log.Error("stack slot poisoned, retiring it",
			zap.Uint32("slot", uint32(s.slot)),
			zap.Error(err))
		return
	}

	p.mu.Lock()
	p.slots[s.slot].state = slotFree
	p.mu.Unlock()
	if testHookAfterReset != nil {
		testHookAfterReset("stack", uint32(s.slot))
	}
	p.alloc.Free(s.owner, s.slot)
}

// InUse returns the number of live allocations.
func (p *StackPool) InUse() uint32 { return p.alloc.InUse() }

// Capacity returns the configured slot count.
func (p *StackPool) Capacity() uint32 { return p.cfg.Capacity }

// Close releases the reservation.
func (p *StackPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.alloc.Empty() {
		p.mu.Unlock()
		p.log.Warn("stack pool closed with live allocations",
			zap.Uint32("in_use", p.alloc.InUse()))
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Pool("stack").
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

func (p *StackPool) beginTransition(slot index.SlotID, from, to slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[slot]
	if s.state != from {
		panic("pool: stack slot state out of order")
	}
	s.state = to
}
