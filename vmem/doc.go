// Package vmem abstracts the virtual-memory substrate the resource pools
// are built on: one large address-space reservation per pool, sliced into
// slots whose sub-ranges move independently between protection states.
//
// # Regions
//
// Reserve maps size bytes of address space with no access rights. Nothing
// is committed; the OS hands out physical pages only as ranges are made
// accessible and touched. The base address is stable for the region's
// lifetime, so a slot handed to an instance never moves.
//
//	region, err := vmem.Reserve(64 << 20)
//	...
//	err = region.MakeAccessible(0, 1 << 16) // slot 0 becomes RW, zero-filled
//
// # Guard ranges
//
// A pool registers its guard ranges once, right after reserving. Every
// protection transition is checked against them: no sequence of calls can
// make a guard range accessible, so an out-of-bounds guest access faults
// instead of corrupting the neighbouring slot.
//
// # Copy-on-write images
//
// An Image is the immutable preimage of a linear memory's initialized
// data. MapImageAt maps it copy-on-write into a slot: unmodified pages
// stay physically shared between every instance of the module, written
// pages fault-copy privately. RemapAsZerosAt undoes the mapping when the
// slot is recycled.
//
// # Platform backends
//
// The OS-specific mapping calls live behind a single internal interface.
// Unix targets get a real mmap/mprotect/madvise backend; everything else,
// and any caller using ReserveSimulated, gets a portable backend that
// models protection states on a heap buffer. The simulated backend is also
// what the tests run against, since a real guard-page fault would kill the
// test process rather than report an error.
//
// Failure semantics: every OS failure is wrapped as a fatal error and
// never retried. A denied reservation or protection change reflects
// platform policy, and retrying cannot change policy.
package vmem
