package pooling

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TotalMemories = 4
	cfg.TotalTables = 4
	cfg.TotalStacks = 2
	cfg.TotalGCHeaps = 2
	cfg.MaxMemoryBytes = 1 << 20
	cfg.MemoryGuardBytes = 1 << 16
	cfg.StackBytes = 1 << 16
	cfg.GCHeapBytes = 1 << 16
	cfg.KeepResident = 1 << 16
	cfg.Simulated = true
	return cfg
}

func newTestSet(t *testing.T, cfg Config) *PoolSet {
	t.Helper()
	set, err := NewPoolSet(cfg)
	if err != nil {
		t.Fatalf("NewPoolSet: %v", err)
	}
	t.Cleanup(func() {
		if err := set.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return set
}

func TestPoolSetRouting(t *testing.T) {
	set := newTestSet(t, testConfig())

	a, err := set.Allocate(Request{
		Owner:      index.OwnerKey(1),
		Memories:   []MemorySpec{{MinBytes: 1 << 16}},
		Tables:     []TableSpec{{Elements: 16}},
		NeedStack:  true,
		NeedGCHeap: true,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(a.Memories) != 1 || len(a.Tables) != 1 || a.Stack == nil || a.GCHeap == nil {
		t.Fatalf("allocation shape: %+v", a)
	}

	st := set.Stats()
	if st.Memories.InUse != 1 || st.Tables.InUse != 1 || st.Stacks.InUse != 1 || st.GCHeaps.InUse != 1 {
		t.Fatalf("stats after allocate: %+v", st)
	}
	if st.Memories.Capacity != 4 || st.Stacks.Capacity != 2 {
		t.Fatalf("stats capacity: %+v", st)
	}

	set.Deallocate(a)
	st = set.Stats()
	if st.Memories.InUse != 0 || st.Tables.InUse != 0 || st.Stacks.InUse != 0 || st.GCHeaps.InUse != 0 {
		t.Fatalf("stats after deallocate: %+v", st)
	}
}

func TestPoolSetRollbackOnPartialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.TotalStacks = 1
	set := newTestSet(t, cfg)

	// Pin the only stack so a full request fails after memories and
	// tables have already been granted.
	pinned, err := set.Allocate(Request{Owner: index.OwnerKey(1), NeedStack: true})
	if err != nil {
		t.Fatalf("pin stack: %v", err)
	}

	_, err = set.Allocate(Request{
		Owner:     index.OwnerKey(2),
		Memories:  []MemorySpec{{MinBytes: 1 << 16}},
		Tables:    []TableSpec{{Elements: 16}},
		NeedStack: true,
	})
	if !errors.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	st := set.Stats()
	if st.Memories.InUse != 0 || st.Tables.InUse != 0 {
		t.Fatalf("partial allocation leaked: %+v", st)
	}
	if st.Stacks.InUse != 1 {
		t.Fatalf("pinned stack disturbed: %+v", st)
	}

	set.Deallocate(pinned)
}

func TestPoolSetPerInstanceLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemoriesPerInstance = 1
	cfg.MaxTablesPerInstance = 1
	set := newTestSet(t, cfg)

	_, err := set.Allocate(Request{
		Owner:    index.OwnerKey(1),
		Memories: []MemorySpec{{MinBytes: 1 << 16}, {MinBytes: 1 << 16}},
	})
	var perr *errors.Error
	if !stderrors.As(err, &perr) || perr.Kind != errors.KindLimit {
		t.Fatalf("expected limit error for memories, got %v", err)
	}

	_, err = set.Allocate(Request{
		Owner:  index.OwnerKey(1),
		Tables: []TableSpec{{Elements: 1}, {Elements: 1}},
	})
	if !stderrors.As(err, &perr) || perr.Kind != errors.KindLimit {
		t.Fatalf("expected limit error for tables, got %v", err)
	}

	// Limit errors must not consume slots.
	if st := set.Stats(); st.Memories.InUse != 0 || st.Tables.InUse != 0 {
		t.Fatalf("limit rejection consumed slots: %+v", st)
	}
}

func TestPoolSetCloseWithLiveAllocation(t *testing.T) {
	set, err := NewPoolSet(testConfig())
	if err != nil {
		t.Fatalf("NewPoolSet: %v", err)
	}

	a, err := set.Allocate(Request{Owner: index.OwnerKey(1), NeedStack: true})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := set.Close(); err == nil {
		t.Fatal("Close succeeded with a live allocation")
	}

	set.Deallocate(a)
	if err := set.Close(); err != nil {
		t.Fatalf("Close after deallocate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max memory", func(c *Config) { c.MaxMemoryBytes = 0 }},
		{"zero table elements", func(c *Config) { c.MaxTableElements = 0 }},
		{"zero stack bytes", func(c *Config) { c.StackBytes = 0 }},
		{"zero heap bytes", func(c *Config) { c.GCHeapBytes = 0 }},
		{"keep resident past max", func(c *Config) { c.KeepResident = c.MaxMemoryBytes + 1 }},
		{"per-instance past total", func(c *Config) { c.MaxMemoriesPerInstance = c.TotalMemories + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewPoolSet(cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestPoolSetZeroCapacityPools(t *testing.T) {
	cfg := testConfig()
	cfg.TotalGCHeaps = 0
	cfg.GCHeapBytes = 0
	set := newTestSet(t, cfg)

	a, err := set.Allocate(Request{Owner: index.OwnerKey(1), NeedStack: true})
	if err != nil {
		t.Fatalf("Allocate without GC heap: %v", err)
	}
	set.Deallocate(a)

	if _, err := set.Allocate(Request{Owner: index.OwnerKey(1), NeedGCHeap: true}); !errors.IsCapacity(err) {
		t.Fatalf("expected capacity error from empty pool, got %v", err)
	}
}
