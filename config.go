package pooling

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/pool"
)

// Config sizes a PoolSet. Every limit is fixed at construction; the
// address space for the worst case is reserved up front and never grows.
type Config struct {
	// TotalMemories is the maximum number of concurrently live linear
	// memories across all instances.
	TotalMemories uint32
	// TotalTables, TotalStacks, TotalGCHeaps bound the other pools the
	// same way.
	TotalTables  uint32
	TotalStacks  uint32
	TotalGCHeaps uint32

	// MaxMemoryBytes is the static per-memory maximum; growth never
	// relocates a memory, it only commits pages inside this span.
	MaxMemoryBytes uint64
	// MemoryGuardBytes is the inaccessible span after each memory slot.
	// Zero selects one page.
	MemoryGuardBytes uint64
	// MaxTableElements is the static per-table element maximum.
	MaxTableElements uint32
	// StackBytes is the fixed fiber stack size.
	StackBytes uint64
	// GCHeapBytes is the fixed GC heap size.
	GCHeapBytes uint64

	// MaxMemoriesPerInstance and MaxTablesPerInstance cap what a single
	// instantiation request may ask for.
	MaxMemoriesPerInstance uint32
	MaxTablesPerInstance   uint32

	// AffinityAllocation selects slot reuse by module identity instead
	// of lowest-free. Warm slots keep their faulted-in, CoW-resolved
	// pages, which makes repeated instantiation of the same module
	// noticeably cheaper; lowest-free keeps the resident set compact.
	AffinityAllocation bool

	// KeepResident bounds the per-slot extent that is remapped in place
	// on deallocate instead of decommitted. Larger values trade resident
	// memory for cheaper reuse.
	KeepResident uint64

	// HeapConstructor builds per-slot GC heaps; nil selects the bump
	// allocator.
	HeapConstructor pool.HeapConstructor

	// Simulated runs every pool on the software-modeled region backend.
	Simulated bool

	// Logger overrides the library logger for this set's pools.
	Logger *zap.Logger
}

// DefaultConfig returns limits suitable for a mid-size host: a thousand
// concurrent instances, 256 MiB memory ceilings, megabyte stacks.
func DefaultConfig() Config {
	return Config{
		TotalMemories:          1000,
		TotalTables:            1000,
		TotalStacks:            1000,
		TotalGCHeaps:           1000,
		MaxMemoryBytes:         256 << 20,
		MemoryGuardBytes:       2 << 20,
		MaxTableElements:       8192,
		StackBytes:             1 << 20,
		GCHeapBytes:            16 << 20,
		MaxMemoriesPerInstance: 1,
		MaxTablesPerInstance:   1,
		AffinityAllocation:     true,
		KeepResident:           1 << 16,
	}
}

// Validate rejects configurations that could not construct working pools.
func (c Config) Validate() error {
	if c.TotalMemories > 0 && c.MaxMemoryBytes == 0 {
		return errors.InvalidInput(errors.PhaseConfig, "memory pool with zero maximum memory size")
	}
	if c.TotalTables > 0 && c.MaxTableElements == 0 {
		return errors.InvalidInput(errors.PhaseConfig, "table pool with zero maximum element count")
	}
	if c.TotalStacks > 0 && c.StackBytes == 0 {
		return errors.InvalidInput(errors.PhaseConfig, "stack pool with zero stack size")
	}
	if c.TotalGCHeaps > 0 && c.GCHeapBytes == 0 {
		return errors.InvalidInput(errors.PhaseConfig, "GC heap pool with zero heap size")
	}
	if c.KeepResident > c.MaxMemoryBytes {
		return errors.InvalidInput(errors.PhaseConfig, "keep-resident extent exceeds maximum memory size")
	}
	if c.MaxMemoriesPerInstance > c.TotalMemories {
		return errors.InvalidInput(errors.PhaseConfig, "per-instance memory count exceeds pool total")
	}
	if c.MaxTablesPerInstance > c.TotalTables {
		return errors.InvalidInput(errors.PhaseConfig, "per-instance table count exceeds pool total")
	}
	return nil
}

func (c Config) strategy() index.Strategy {
	if c.AffinityAllocation {
		return index.ReuseAffinity
	}
	return index.NextAvailable
}
