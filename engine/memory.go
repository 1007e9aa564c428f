package engine

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	pooling "github.com/wippyai/wasm-pooling"
)

// pooledAllocator satisfies wazero's per-instantiation memory hook with
// a slot that was already acquired from the pool. Allocate cannot fail
// by contract, so every fallible step (capacity, limit checks) happens
// before instantiation begins.
type pooledAllocator struct {
	set   *pooling.PoolSet
	alloc *pooling.Allocation
	idx   int
	log   *zap.Logger
}

func (a *pooledAllocator) Allocate(cap, max uint64) experimental.LinearMemory {
	lm := &pooledLinearMemory{set: a.set, alloc: a.alloc, idx: a.idx, log: a.log}
	if cap > 0 {
		if err := a.alloc.Memories[a.idx].Grow(cap); err != nil {
			// The engine clamps the runtime's memory limit to the pool's
			// per-slot maximum, so this is an OS-level commit failure.
			a.log.Error("initial memory commit failed",
				zap.Uint64("bytes", cap),
				zap.Error(err))
			lm.broken = true
		}
	}
	return lm
}

// pooledLinearMemory backs one Wasm linear memory with one pool slot.
// The address is stable for the slot's lifetime, so shared memories are
// supported. Free returns the slot to the pool exactly once and clears
// its entry in the owning allocation, whichever of wazero teardown or
// instance close gets there first.
type pooledLinearMemory struct {
	set    *pooling.PoolSet
	alloc  *pooling.Allocation
	idx    int
	log    *zap.Logger
	freed  sync.Once
	broken bool
}

func (m *pooledLinearMemory) Reallocate(size uint64) []byte {
	if m.broken {
		return nil
	}
	mem := m.alloc.Memories[m.idx]
	if err := mem.Grow(size); err != nil {
		m.log.Warn("memory grow refused",
			zap.Uint64("requested", size),
			zap.Uint64("max", mem.Max()),
			zap.Error(err))
		return nil
	}
	buf := mem.Bytes()
	if uint64(len(buf)) > size {
		buf = buf[:size]
	}
	return buf
}

func (m *pooledLinearMemory) Free() {
	m.freed.Do(func() {
		// The allocation may have been torn down already if instantiation
		// failed and the engine rolled everything back.
		if m.idx >= len(m.alloc.Memories) || m.alloc.Memories[m.idx] == nil {
			return
		}
		mem := m.alloc.Memories[m.idx]
		m.alloc.Memories[m.idx] = nil
		m.set.Memories().Deallocate(mem)
	})
}
