// Package engine binds the pooled resource allocator to wazero.
//
// An Engine wraps a wazero runtime and a pooling.PoolSet. Compiled
// modules instantiate against pooled linear memory: the slot is acquired
// before wazero is entered, so capacity exhaustion surfaces as a typed
// error the embedder can shed load on, never as a failure inside the
// runtime. The memory itself is handed to wazero through its
// experimental MemoryAllocator hook, which keeps the backing address
// stable across grows because the whole maximum extent was reserved at
// pool construction.
//
// # Instantiation flow
//
//	eng, _ := engine.New(ctx, engine.Config{Pools: set})
//	mod, _ := eng.Compile(ctx, wasmBytes)
//	inst, err := mod.Instantiate(ctx, nil)
//	if errors.IsCapacity(err) {
//	    // all slots busy, shed or queue
//	}
//	defer inst.Close(ctx)
//
// Repeated instantiation of the same compiled module reuses warm slots
// when the pool set runs the affinity policy; the module's content hash
// is the affinity key.
package engine
