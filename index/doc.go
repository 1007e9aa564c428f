// Package index hands out stable slot identifiers from a fixed-capacity
// universe.
//
// Every resource pool owns one Allocator sized to the pool's capacity.
// A slot id returned by Alloc is valid until the matching Free; no two
// live allocations ever share an id within one allocator.
//
// # Strategies
//
// NextAvailable always returns the lowest-numbered free slot. Short-lived
// instances then cycle through a small prefix of the universe, keeping the
// resident working set compact.
//
// ReuseAffinity prefers the slot an owner used last. Repeated instantiation
// of the same module lands on pages that are already faulted in and whose
// copy-on-write sharing is already resolved. When the preferred slot is
// taken the allocator falls back to lowest-free.
//
// The Allocator is the only stateful, mutex-guarded structure in a pool;
// all its operations are safe for concurrent use.
package index
