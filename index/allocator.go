package index

import (
	"fmt"
	"math/bits"
	"sync"
)

// SlotID identifies one slot within a pool's reservation.
// Valid only between an Alloc and its matching Free.
type SlotID uint32

// Strategy selects how Alloc picks among free slots.
type Strategy int

const (
	// NextAvailable returns the lowest-numbered free slot.
	NextAvailable Strategy = iota
	// ReuseAffinity prefers the slot the requesting owner used last.
	ReuseAffinity
)

// Owner is an opaque affinity key, typically a compiled module's identity.
// The zero Owner opts out of affinity tracking.
type Owner struct {
	key uint64
	ok  bool
}

// NoOwner requests allocation with no affinity preference.
var NoOwner = Owner{}

// OwnerKey builds an affinity key from a caller-chosen identity.
func OwnerKey(k uint64) Owner {
	return Owner{key: k, ok: true}
}

// Allocator is a fixed-capacity set of free and allocated slot ids.
type Allocator struct {
	mu       sync.Mutex
	free     []uint64 // bitmap, bit set = slot free
	capacity uint32
	inUse    uint32
	strategy Strategy

	// Affinity state, populated only under ReuseAffinity:
	// lastOwner tags each slot with the owner that freed it last,
	// lastSlot remembers each owner's most recently freed slot.
	lastOwner []Owner
	lastSlot  map[uint64]SlotID
}

// New creates an allocator with all capacity slots free.
func New(capacity uint32, strategy Strategy) *Allocator {
	words := (int(capacity) + 63) / 64
	a := &Allocator{
		free:     make([]uint64, words),
		capacity: capacity,
		strategy: strategy,
	}
	for i := uint32(0); i < capacity; i++ {
		a.free[i/64] |= 1 << (i % 64)
	}
	if strategy == ReuseAffinity {
		a.lastOwner = make([]Owner, capacity)
		a.lastSlot = make(map[uint64]SlotID)
	}
	return a
}

// Alloc returns a free slot id, or false iff every slot is allocated.
// Under ReuseAffinity the owner's last-used slot is preferred when it
// is still free; otherwise the lowest free slot is returned.
func (a *Allocator) Alloc(owner Owner) (SlotID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse == a.capacity {
		return 0, false
	}

	if a.strategy == ReuseAffinity && owner.ok {
		if s, ok := a.lastSlot[owner.key]; ok && a.isFree(s) && a.lastOwner[s] == owner {
			a.take(s)
			return s, true
		}
	}

	for i, word := range a.free {
		if word == 0 {
			continue
		}
		s := SlotID(i*64 + bits.TrailingZeros64(word))
		a.take(s)
		return s, true
	}

	// inUse said a slot was free; the bitmap must agree.
	panic("index: free count out of sync with bitmap")
}

// Free returns slot to the free set. Under ReuseAffinity the (owner, slot)
// pair becomes the owner's new hint. Freeing an already-free slot is a
// caller bug and panics.
func (a *Allocator) Free(owner Owner, slot SlotID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot >= SlotID(a.capacity) {
		panic(fmt.Sprintf("index: slot %d out of range (capacity %d)", slot, a.capacity))
	}
	if a.isFree(slot) {
		panic(fmt.Sprintf("index: double free of slot %d", slot))
	}

	a.free[slot/64] |= 1 << (slot % 64)
	a.inUse--

	if a.strategy == ReuseAffinity && owner.ok {
		a.lastOwner[slot] = owner
		a.lastSlot[owner.key] = slot
	}
}

// Empty reports whether no slot is currently allocated.
func (a *Allocator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse == 0
}

// InUse returns the number of currently allocated slots.
func (a *Allocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Capacity returns the fixed slot count chosen at construction.
func (a *Allocator) Capacity() uint32 {
	return a.capacity
}

func (a *Allocator) isFree(s SlotID) bool {
	return a.free[s/64]&(1<<(s%64)) != 0
}

func (a *Allocator) take(s SlotID) {
	a.free[s/64] &^= 1 << (s % 64)
	a.inUse++
}
