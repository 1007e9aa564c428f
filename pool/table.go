package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/vmem"
)

// tableElementSize is the byte width of one table element: a host
// pointer-sized function or extern reference.
const tableElementSize = 8

// TableConfig sizes a TablePool.
type TableConfig struct {
	// Capacity is the maximum number of concurrently allocated tables.
	Capacity uint32
	// MaxElements is the static per-table element maximum.
	MaxElements uint32
	Strategy    index.Strategy
	Simulated   bool
	Logger      *zap.Logger
}

// TablePool lends fixed-size table slots out of one reservation.
// A table slot is MaxElements pointer-sized entries plus a trailing
// guard page.
type TablePool struct {
	cfg      TableConfig
	region   *vmem.Region
	alloc    *index.Allocator
	log      *zap.Logger
	slotSize uintptr
	dataSize uintptr

	mu     sync.Mutex
	slots  []tableSlot
	closed bool
}

type tableSlot struct {
	state      slotState
	accessible uintptr
}

// NewTablePool reserves the whole table arena up front.
func NewTablePool(cfg TableConfig) (*TablePool, error) {
	dataBytes := uint64(cfg.MaxElements) * tableElementSize
	if dataBytes > maxSlotBytes() {
		return nil, errors.Overflow("table", cfg.Capacity, dataBytes)
	}
	dataSize := roundUpPage(uintptr(dataBytes))
	guard := pageSize()
	slotSize := dataSize + guard

	p := &TablePool{
		cfg:      cfg,
		alloc:    index.New(cfg.Capacity, cfg.Strategy),
		log:      orNop(cfg.Logger),
		slotSize: slotSize,
		dataSize: dataSize,
		slots:    make([]tableSlot, cfg.Capacity),
	}
	if cfg.Capacity == 0 {
		return p, nil
	}

	total, err := reservationSize("table", cfg.Capacity, slotSize)
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

	p.log.Debug("table pool reserved",
		zap.Uint32("capacity", cfg.Capacity),
		zap.Uint64("slot_size", uint64(slotSize)))
	return p, nil
}

// TableRequest describes one table to allocate.
type TableRequest struct {
	Owner index.Owner
	// Elements is the table's initial element count.
	Elements uint32
}

// Table is one allocated table slot.
type Table struct {
	pool     *TablePool
	slot     index.SlotID
	owner    index.Owner
	start    uintptr
	elements uint32
}

// Allocate hands out a zeroed table slot.
func (p *TablePool) Allocate(req TableRequest) (*Table, error) {
	if req.Elements > p.cfg.MaxElements {
		return nil, errors.New(errors.PhaseAllocate, errors.KindLimit).
			Pool("table").
			Detail("element count %d exceeds maximum %d", req.Elements, p.cfg.MaxElements).
			Build()
	}

	// Closed check and index grab under one lock; see MemoryPool.Allocate.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed("table")
	}
	slot, ok := p.alloc.Alloc(req.Owner)
	p.mu.Unlock()
	if !ok {
		return nil, errors.Capacity("table", p.cfg.Capacity)
	}
	p.beginTransition(slot, slotFree, slotAllocating)

	start := uintptr(slot) * p.slotSize
	initLen := roundUpPage(uintptr(req.Elements) * tableElementSize)

	p.mu.Lock()
	committed := p.slots[slot].accessible
	p.mu.Unlock()
	if initLen > committed {
		if err := p.region.MakeAccessible(start, initLen); err != nil {
			p.mu.Lock()
			p.slots[slot].state = slotFree
			p.mu.Unlock()
			p.alloc.Free(req.Owner, slot)
			return nil, err
		}
	}

	p.mu.Lock()
	s := &p.slots[slot]
	s.state = slotAllocated
	if initLen > s.accessible {
		s.accessible = initLen
	}
	p.mu.Unlock()

	return &Table{pool: p, slot: slot, owner: req.Owner, start: start, elements: req.Elements}, nil
}

// Grow extends the table to newElements within the static maximum.
func (t *Table) Grow(newElements uint32) error {
	p := t.pool
	if p == nil {
		return errors.InvalidInput(errors.PhaseGrow, "table already deallocated")
	}
	if newElements > p.cfg.MaxElements {
		return errors.GrowLimit(uint64(newElements), uint64(p.cfg.MaxElements))
	}
	if newElements <= t.elements {
		return nil
	}
	oldLen := roundUpPage(uintptr(t.elements) * tableElementSize)
	newLen := roundUpPage(uintptr(newElements) * tableElementSize)
	if newLen > oldLen {
		if err := p.region.MakeAccessible(t.start+oldLen, newLen-oldLen); err != nil {
			return err
		}
		p.mu.Lock()
		if newLen > p.slots[t.slot].accessible {
			p.slots[t.slot].accessible = newLen
		}
		p.mu.Unlock()
	}
	t.elements = newElements
	return nil
}

// Bytes returns the table's element storage, elements x 8 bytes.
func (t *Table) Bytes() []byte {
	if t.pool == nil {
		return nil
	}
	return t.pool.region.Bytes(t.start, uintptr(t.elements)*tableElementSize)
}

// Base returns the slot's start address.
func (t *Table) Base() uintptr { return t.pool.region.Base() + t.start }

// Elements returns the current element count.
func (t *Table) Elements() uint32 { return t.elements }

// Deallocate decommits the table's dirtied extent and frees the slot.
func (p *TablePool) Deallocate(t *Table) {
	if t.pool != p {
		panic("pool: table returned to the wrong pool")
	}
	t.pool = nil
	p.beginTransition(t.slot, slotAllocated, slotDeallocating)

	p.mu.Lock()
	extent := p.slots[t.slot].accessible
	p.mu.Unlock()

	start := uintptr(t.slot) * p.slotSize
	if extent > 0 {
		if err := p.region.Decommit(start, extent); err != nil {
			p.mu.Lock()
			p.slots[t.slot].state = slotPoisoned
			p.mu.Unlock()
			p.log.Error("table slot poisoned, retiring it",
				zap.Uint32("slot", uint32(t.slot)),
				zap.Error(err))
			return
		}
	}

	p.mu.Lock()
	p.slots[t.slot].state = slotFree
	p.mu.Unlock()
	if testHookAfterReset != nil {
		testHookAfterReset("table", uint32(t.slot))
	}
	p.alloc.Free(t.owner, t.slot)
}

// InUse returns the number of live allocations.
func (p *TablePool) InUse() uint32 { return p.alloc.InUse() }

// Capacity returns the configured slot count.
func (p *TablePool) Capacity() uint32 { return p.cfg.Capacity }

// Close releases the reservation.
func (p *TablePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.alloc.Empty() {
		p.mu.Unlock()
		p.log.Warn("table pool closed with live allocations",
			zap.Uint32("in_use", p.alloc.InUse()))
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Pool("table").
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

func (p *TablePool) beginTransition(slot index.SlotID, from, to slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[slot]
	if s.state != from {
		panic("pool: table slot state out of order")
	}
	s.state = to
}
