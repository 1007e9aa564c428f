package engine

import (
	"bytes"
	"context"
	"testing"

	pooling "github.com/wippyai/wasm-pooling"
	"github.com/wippyai/wasm-pooling/errors"
)

// minimalMemoryModule is a hand-encoded module equivalent to
// (module (memory (export "memory") 1 2)).
var minimalMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x05, 0x04, 0x01, 0x01, 0x01, 0x02, // memory section: min 1, max 2 pages
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, // export "memory"
}

// minimalEmptyModule has no memory at all.
var minimalEmptyModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
}

func testPools(t *testing.T, capacity uint32) *pooling.PoolSet {
	t.Helper()
	cfg := pooling.DefaultConfig()
	cfg.TotalMemories = capacity
	cfg.TotalTables = capacity
	cfg.TotalStacks = capacity
	cfg.TotalGCHeaps = capacity
	cfg.MaxMemoryBytes = 4 << 20
	cfg.MemoryGuardBytes = 1 << 16
	cfg.StackBytes = 1 << 16
	cfg.GCHeapBytes = 1 << 16
	cfg.KeepResident = 1 << 16
	cfg.Simulated = true
	set, err := pooling.NewPoolSet(cfg)
	if err != nil {
		t.Fatalf("NewPoolSet: %v", err)
	}
	t.Cleanup(func() {
		if err := set.Close(); err != nil {
			t.Errorf("pool set close: %v", err)
		}
	})
	return set
}

func testEngine(t *testing.T, capacity uint32) *Engine {
	t.Helper()
	ctx := context.Background()
	eng, err := New(ctx, Config{Pools: testPools(t, capacity)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(ctx) })
	return eng
}

func TestNewRequiresPools(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without pools")
	}
}

func TestInstantiatePooledMemory(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, 2)

	mod, err := eng.Compile(ctx, minimalMemoryModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer mod.Close(ctx)
	if !mod.hasMemory {
		t.Fatal("exported memory not detected")
	}

	inst, err := mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if got := eng.Pools().Stats().Memories.InUse; got != 1 {
		t.Fatalf("memories in use = %d, want 1", got)
	}

	mem := inst.Module().Memory()
	if mem == nil {
		t.Fatal("instance has no memory")
	}
	if mem.Size() != 65536 {
		t.Fatalf("initial memory size = %d, want 65536", mem.Size())
	}
	if !mem.Write(0, []byte{1, 2, 3}) {
		t.Fatal("write to pooled memory failed")
	}
	got, ok := mem.Read(0, 3)
	if !ok || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("read back %v ok=%v", got, ok)
	}

	if _, ok := mem.Grow(1); !ok {
		t.Fatal("grow within declared max failed")
	}
	if mem.Size() != 2*65536 {
		t.Fatalf("grown size = %d", mem.Size())
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := eng.Pools().Stats().Memories.InUse; got != 0 {
		t.Fatalf("memories in use after close = %d, want 0", got)
	}
}

func TestInstantiateCapacityBackpressure(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, 1)

	mod, err := eng.Compile(ctx, minimalMemoryModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer mod.Close(ctx)

	first, err := mod.Instantiate(ctx, &InstanceConfig{Name: "first"})
	if err != nil {
		t.Fatalf("first Instantiate: %v", err)
	}

	_, err = mod.Instantiate(ctx, &InstanceConfig{Name: "second"})
	if !errors.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	// The denied attempt must not leak anything.
	if got := eng.Pools().Stats().Memories.InUse; got != 1 {
		t.Fatalf("memories in use = %d, want 1", got)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again, err := mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("Instantiate after release: %v", err)
	}
	again.Close(ctx)
}

func TestInstantiateWithoutMemory(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, 1)

	mod, err := eng.Compile(ctx, minimalEmptyModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer mod.Close(ctx)
	if mod.hasMemory {
		t.Fatal("memory detected on memoryless module")
	}

	inst, err := mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if got := eng.Pools().Stats().Memories.InUse; got != 0 {
		t.Fatalf("memoryless module consumed a memory slot: %d", got)
	}
}

func TestInstantiateHostResources(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, 2)

	mod, err := eng.Compile(ctx, minimalEmptyModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer mod.Close(ctx)

	inst, err := mod.Instantiate(ctx, &InstanceConfig{NeedStack: true, NeedGCHeap: true})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	a := inst.Allocation()
	if a.Stack == nil || a.GCHeap == nil {
		t.Fatalf("host resources missing: %+v", a)
	}
	st := eng.Pools().Stats()
	if st.Stacks.InUse != 1 || st.GCHeaps.InUse != 1 {
		t.Fatalf("stats: %+v", st)
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st = eng.Pools().Stats()
	if st.Stacks.InUse != 0 || st.GCHeaps.InUse != 0 {
		t.Fatalf("stats after close: %+v", st)
	}
}

func TestAffinityAcrossInstantiations(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, 4)

	mod, err := eng.Compile(ctx, minimalMemoryModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer mod.Close(ctx)

	inst, err := mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	base := inst.Module().Memory()
	base.Write(0, []byte{0xaa})
	inst.Close(ctx)

	// Same module, affinity policy: the recycled slot comes back zeroed.
	inst, err = mod.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("second Instantiate: %v", err)
	}
	defer inst.Close(ctx)
	got, ok := inst.Module().Memory().Read(0, 1)
	if !ok || got[0] != 0 {
		t.Fatalf("recycled memory not zeroed: %v ok=%v", got, ok)
	}
}
