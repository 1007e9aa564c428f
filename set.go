package pooling

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
	"github.com/wippyai/wasm-pooling/pool"
	"github.com/wippyai/wasm-pooling/vmem"
)

// PoolSet owns the four resource pools and routes an instantiation
// request's declared needs to them. Construct one per engine and thread
// it explicitly; its lifetime is the engine's lifetime.
type PoolSet struct {
	cfg      Config
	memories *pool.MemoryPool
	tables   *pool.TablePool
	stacks   *pool.StackPool
	gcHeaps  *pool.GCHeapPool
	log      *zap.Logger
}

// NewPoolSet validates cfg and reserves every pool's address space.
// Reservation failure here is a configuration problem, not a transient
// condition; nothing is retried.
func NewPoolSet(cfg Config) (*PoolSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	memories, err := pool.NewMemoryPool(pool.MemoryConfig{
		Capacity:       cfg.TotalMemories,
		MaxMemoryBytes: cfg.MaxMemoryBytes,
		GuardBytes:     cfg.MemoryGuardBytes,
		KeepResident:   cfg.KeepResident,
		Strategy:       cfg.strategy(),
		Simulated:      cfg.Simulated,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	tables, err := pool.NewTablePool(pool.TableConfig{
		Capacity:    cfg.TotalTables,
		MaxElements: cfg.MaxTableElements,
		Strategy:    cfg.strategy(),
		Simulated:   cfg.Simulated,
		Logger:      log,
	})
	if err != nil {
		memories.Close()
		return nil, err
	}
	stacks, err := pool.NewStackPool(pool.StackConfig{
		Capacity:   cfg.TotalStacks,
		StackBytes: cfg.StackBytes,
		Strategy:   cfg.strategy(),
		Simulated:  cfg.Simulated,
		Logger:     log,
	})
	if err != nil {
		memories.Close()
		tables.Close()
		return nil, err
	}
	gcHeaps, err := pool.NewGCHeapPool(pool.GCHeapConfig{
		Capacity:  cfg.TotalGCHeaps,
		HeapBytes: cfg.GCHeapBytes,
		New:       cfg.HeapConstructor,
		Strategy:  cfg.strategy(),
		Simulated: cfg.Simulated,
		Logger:    log,
	})
	if err != nil {
		memories.Close()
		tables.Close()
		stacks.Close()
		return nil, err
	}

	return &PoolSet{
		cfg:      cfg,
		memories: memories,
		tables:   tables,
		stacks:   stacks,
		gcHeaps:  gcHeaps,
		log:      log,
	}, nil
}

// MemorySpec declares one linear memory an instantiation needs.
type MemorySpec struct {
	MinBytes uint64
	Image    *vmem.Image
}

// TableSpec declares one table an instantiation needs.
type TableSpec struct {
	Elements uint32
}

// Request is the resource shape of one instantiation.
type Request struct {
	Owner      index.Owner
	Memories   []MemorySpec
	Tables     []TableSpec
	NeedStack  bool
	NeedGCHeap bool
}

// Allocation is every pooled resource backing one live instance. The
// instance object holds it exclusively; handing it back via Deallocate
// is the only way its slots become free.
type Allocation struct {
	Memories []*pool.Memory
	Tables   []*pool.Table
	Stack    *pool.Stack
	GCHeap   *pool.GCHeap
}

// Allocate routes req to the pools. On any failure every slot already
// acquired for req is rolled back, so a denied instantiation never leaks
// capacity; the first underlying error is returned, capacity errors
// intact for backpressure checks.
func (s *PoolSet) Allocate(req Request) (*Allocation, error) {
	if uint32(len(req.Memories)) > s.cfg.MaxMemoriesPerInstance {
		return nil, errors.New(errors.PhaseAllocate, errors.KindLimit).
			Detail("request declares %d memories, per-instance maximum is %d",
				len(req.Memories), s.cfg.MaxMemoriesPerInstance).
			Build()
	}
	if uint32(len(req.Tables)) > s.cfg.MaxTablesPerInstance {
		return nil, errors.New(errors.PhaseAllocate, errors.KindLimit).
			Detail("request declares %d tables, per-instance maximum is %d",
				len(req.Tables), s.cfg.MaxTablesPerInstance).
			Build()
	}

	a := &Allocation{}
	for _, spec := range req.Memories {
		m, err := s.memories.Allocate(pool.MemoryRequest{
			Owner:    req.Owner,
			MinBytes: spec.MinBytes,
			Image:    spec.Image,
		})
		if err != nil {
			s.rollback(a)
			return nil, err
		}
		a.Memories = append(a.Memories, m)
	}
	for _, spec := range req.Tables {
		t, err := s.tables.Allocate(pool.TableRequest{
			Owner:    req.Owner,
			Elements: spec.Elements,
		})
		if err != nil {
			s.rollback(a)
			return nil, err
		}
		a.Tables = append(a.Tables, t)
	}
	if req.NeedStack {
		st, err := s.stacks.Allocate(req.Owner)
		if err != nil {
			s.rollback(a)
			return nil, err
		}
		a.Stack = st
	}
	if req.NeedGCHeap {
		h, err := s.gcHeaps.Allocate(req.Owner)
		if err != nil {
			s.rollback(a)
			return nil, err
		}
		a.GCHeap = h
	}
	return a, nil
}

// Deallocate returns every resource in a to its pool. Infallible from
// the caller's perspective; slots whose reset fails are logged and
// retired by their pool.
func (s *PoolSet) Deallocate(a *Allocation) {
	if a == nil {
		return
	}
	s.rollback(a)
}

func (s *PoolSet) rollback(a *Allocation) {
	if a.GCHeap != nil {
		s.gcHeaps.Deallocate(a.GCHeap)
		a.GCHeap = nil
	}
	if a.Stack != nil {
		s.stacks.Deallocate(a.Stack)
		a.Stack = nil
	}
	// Individual entries may be nil when a resource was already returned
	// through another path, such as an engine memory hook.
	for _, t := range a.Tables {
		if t != nil {
			s.tables.Deallocate(t)
		}
	}
	a.Tables = nil
	for _, m := range a.Memories {
		if m != nil {
			s.memories.Deallocate(m)
		}
	}
	a.Memories = nil
}

// Memories exposes the linear memory pool, for embedders that bind it
// directly (the wazero engine adapter does).
func (s *PoolSet) Memories() *pool.MemoryPool { return s.memories }

// Tables exposes the table pool.
func (s *PoolSet) Tables() *pool.TablePool { return s.tables }

// Stacks exposes the fiber stack pool.
func (s *PoolSet) Stacks() *pool.StackPool { return s.stacks }

// GCHeaps exposes the GC heap pool.
func (s *PoolSet) GCHeaps() *pool.GCHeapPool { return s.gcHeaps }

// PoolStats is a point-in-time occupancy reading.
type PoolStats struct {
	InUse    uint32
	Capacity uint32
}

// Stats reports occupancy across all four pools.
type Stats struct {
	Memories PoolStats
	Tables   PoolStats
	Stacks   PoolStats
	GCHeaps  PoolStats
}

// Stats samples current occupancy. Values from different pools are not
// a consistent snapshot; they are for observability, not for decisions.
func (s *PoolSet) Stats() Stats {
	return Stats{
		Memories: PoolStats{InUse: s.memories.InUse(), Capacity: s.memories.Capacity()},
		Tables:   PoolStats{InUse: s.tables.InUse(), Capacity: s.tables.Capacity()},
		Stacks:   PoolStats{InUse: s.stacks.InUse(), Capacity: s.stacks.Capacity()},
		GCHeaps:  PoolStats{InUse: s.gcHeaps.InUse(), Capacity: s.gcHeaps.Capacity()},
	}
}

// Close releases every pool's reservation. Fails if any slot is still
// allocated; all instances must be deallocated first.
func (s *PoolSet) Close() error {
	return multierr.Combine(
		s.memories.Close(),
		s.tables.Close(),
		s.stacks.Close(),
		s.gcHeaps.Close(),
	)
}
