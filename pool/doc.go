// Package pool implements the four fixed-capacity resource pools behind
// the pooling instance allocator: linear memories, tables, fiber stacks,
// and GC heaps.
//
// Every pool follows the same shape. Construction computes a slot size
// from the configured per-resource maxima, reserves capacity x slotSize
// bytes of address space exactly once, registers the guard ranges between
// slots, and builds one index.Allocator of the same capacity. After that
// an allocation is an index grab plus a couple of protection transitions;
// no further reservations ever happen.
//
// # Lifecycle
//
// A slot moves Free -> Allocating -> Allocated -> Deallocating -> Free.
// Deallocation resets the resource and stores it back into the slot cache
// BEFORE freeing the index. Freeing the index first would let a concurrent
// Allocate hand the half-reset slot to a second owner.
//
// # Failure taxonomy
//
// Exhaustion ("maximum concurrent <kind> limit of N reached") is an
// expected outcome the caller turns into backpressure; check it with
// errors.IsCapacity. OS mapping failures are fatal to the affected slot:
// a slot whose reset fails is poisoned, logged, and never handed out
// again, while the rest of the pool keeps working.
//
// All pool operations are safe for concurrent use from any goroutine.
// They are synchronous and may issue syscalls; never call them from a
// signal or trap handler.
package pool
