package pool

import (
	"math/bits"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/vmem"
)

// slotState tracks one slot through its lifecycle. The Allocating and
// Deallocating states are instantaneous from the caller's point of view
// but pin the lock-ordering rule: a slot's index is only ever free while
// the slot itself is fully reset.
type slotState uint8

const (
	slotFree slotState = iota
	slotAllocating
	slotAllocated
	slotDeallocating
	// slotPoisoned marks a slot whose reset failed. The index is never
	// freed, so the slot is leaked rather than handed out half-dirty.
	slotPoisoned
)

// testHookAfterReset, when set, runs after a slot's resource is reset and
// cached but before its index returns to the free set.
var testHookAfterReset func(kind string, slot uint32)

func pageSize() uintptr {
	return uintptr(os.Getpagesize())
}

func roundUpPage(n uintptr) uintptr {
	p := pageSize()
	return (n + p - 1) &^ (p - 1)
}

// maxSlotBytes is the largest per-slot byte count that survives the
// uintptr conversion and page rounding without wrapping. Requested sizes
// above it are overflow errors, never silent truncation.
func maxSlotBytes() uint64 {
	return uint64(^uintptr(0)-pageSize()) + 1
}

// reservationSize computes capacity x slotSize, rejecting anything the
// platform cannot address. Checked before any OS call is attempted.
func reservationSize(pool string, capacity uint32, slotSize uintptr) (uintptr, error) {
	hi, lo := bits.Mul64(uint64(capacity), uint64(slotSize))
	if hi != 0 || lo > uint64(^uintptr(0)) {
		return 0, errors.Overflow(pool, capacity, uint64(slotSize))
	}
	return uintptr(lo), nil
}

// reserve builds the pool's region, real or software-modeled.
func reserve(size uintptr, simulated bool) (*vmem.Region, error) {
	if simulated {
		return vmem.ReserveSimulated(size)
	}
	return vmem.Reserve(size)
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
