// Package pooling implements a pooling instance resource allocator for
// WebAssembly hosts.
//
// Running thousands of short-lived sandboxed instances is dominated by
// virtual-memory churn: reserving, zeroing, and tearing down a fresh
// address range per instance. This library pays those costs once. Each
// resource kind gets one large up-front reservation sliced into
// fixed-size slots; instantiating an instance is then an index grab plus
// a couple of page-protection transitions, and recycling a slot is a
// decommit or a copy-on-write remap.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	wasm-pooling/        Root package with Config and the PoolSet facade
//	├── index/           Slot-id allocator with affinity and lowest-free policies
//	├── vmem/            Virtual memory regions and copy-on-write images
//	├── pool/            Memory, table, stack, and GC heap pools
//	├── errors/          Structured error types with a capacity/platform split
//	└── engine/          wazero integration: pooled linear memories
//
// # Quick Start
//
//	set, err := pooling.NewPoolSet(pooling.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer set.Close()
//
//	alloc, err := set.Allocate(pooling.Request{
//	    Owner:    index.OwnerKey(moduleID),
//	    Memories: []pooling.MemorySpec{{MinBytes: 1 << 16, Image: img}},
//	    Tables:   []pooling.TableSpec{{Elements: 128}},
//	})
//	if errors.IsCapacity(err) {
//	    // Every slot is busy. Shed the request; this is backpressure,
//	    // not a failure of the host.
//	}
//	...
//	set.Deallocate(alloc)
//
// # Concurrency
//
// A PoolSet and all four pools are safe for concurrent use from any
// goroutine. Different pools never contend on a lock. Pool calls are
// synchronous and may issue syscalls; do not invoke them from signal or
// trap handlers.
//
// # Lifecycle
//
// A PoolSet is an explicitly constructed object with the lifetime of its
// engine. There are no ambient singletons: two engines in one process get
// two disjoint pool sets.
package pooling
