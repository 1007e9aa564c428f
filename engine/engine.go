package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	pooling "github.com/wippyai/wasm-pooling"
	"github.com/wippyai/wasm-pooling/index"
)

const wasmPageBytes = 65536

// Config holds configuration for engine creation.
type Config struct {
	// Pools supplies every instance's memory, stack and heap slots.
	// Required.
	Pools *pooling.PoolSet

	// EnableWASI instantiates wasi_snapshot_preview1 lazily on first use.
	EnableWASI bool

	Logger *zap.Logger
}

// Engine is a wazero runtime whose instances draw linear memory from a
// pool set instead of the Go heap.
type Engine struct {
	runtime      wazero.Runtime
	pools        *pooling.PoolSet
	log          *zap.Logger
	enableWASI   bool
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
}

// New creates a pooled engine. The runtime's per-memory page limit is
// clamped to the pool's slot size so guest grow requests past it fail
// inside the guest instead of reaching the pool.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Pools == nil {
		return nil, fmt.Errorf("engine: pool set is required")
	}
	log := cfg.Logger
	if log == nil {
		log = pooling.Logger()
	}

	limitPages := cfg.Pools.Memories().MaxBytes() / wasmPageBytes
	runtimeCfg := wazero.NewRuntimeConfig()
	if limitPages > 0 && limitPages < 65536 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(uint32(limitPages))
	}

	return &Engine{
		runtime:    wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		pools:      cfg.Pools,
		log:        log,
		enableWASI: cfg.EnableWASI,
	}, nil
}

// Pools returns the engine's pool set, for occupancy sampling.
func (e *Engine) Pools() *pooling.PoolSet { return e.pools }

// Close shuts the runtime down. The pool set is owned by the caller and
// stays open.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// initWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls from modules sharing the engine.
func (e *Engine) initWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}
	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()
	if e.wasiInitDone.Load() {
		return nil
	}
	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return fmt.Errorf("instantiate WASI: %w", err)
		}
	}
	e.wasiInitDone.Store(true)
	return nil
}

// Module is a compiled module bound to the engine's pools.
type Module struct {
	engine    *Engine
	compiled  wazero.CompiledModule
	owner     index.Owner
	hasMemory bool
}

// Compile compiles wasmBytes and derives the module's affinity key from
// its content, so every instance of the same module prefers the same
// warm slots.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	h := fnv.New64a()
	h.Write(wasmBytes)

	// Imported memories come from the host, not the pool. A defined
	// memory is visible here only when exported, which holds for the
	// WASI and component conventions this engine targets.
	hasMemory := len(compiled.ExportedMemories()) > 0 && len(compiled.ImportedMemories()) == 0

	return &Module{
		engine:    e,
		compiled:  compiled,
		owner:     index.OwnerKey(h.Sum64()),
		hasMemory: hasMemory,
	}, nil
}

// Close releases the compiled code.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// InstanceConfig holds configuration for module instantiation.
type InstanceConfig struct {
	Name string
	// Args and Env are forwarded to WASI.
	Args []string
	Env  map[string]string
	// NeedStack and NeedGCHeap reserve host-side slots alongside the
	// memory, for embedders that run guests on pooled fiber stacks or
	// attach a collected heap.
	NeedStack  bool
	NeedGCHeap bool
}

// Instance is one running module backed by pooled slots.
type Instance struct {
	module *Module
	api    api.Module
	alloc  *pooling.Allocation
}

// Module returns the instantiated module for export lookups and calls.
func (i *Instance) Module() api.Module { return i.api }

// Instantiate creates an instance. All pooled resources are acquired
// first, so a pool at capacity is reported as a typed error before any
// guest code or runtime state exists; errors.IsCapacity distinguishes
// shed-worthy exhaustion from real failures.
func (m *Module) Instantiate(ctx context.Context, cfg *InstanceConfig) (*Instance, error) {
	if cfg == nil {
		cfg = &InstanceConfig{}
	}
	e := m.engine

	if e.enableWASI {
		if err := e.initWASI(ctx); err != nil {
			return nil, err
		}
	}

	req := pooling.Request{
		Owner:      m.owner,
		NeedStack:  cfg.NeedStack,
		NeedGCHeap: cfg.NeedGCHeap,
	}
	if m.hasMemory {
		req.Memories = []pooling.MemorySpec{{}}
	}
	alloc, err := e.pools.Allocate(req)
	if err != nil {
		return nil, err
	}

	if m.hasMemory {
		ctx = experimental.WithMemoryAllocator(ctx, &pooledAllocator{
			set:   e.pools,
			alloc: alloc,
			idx:   0,
			log:   e.log,
		})
	}

	modCfg := wazero.NewModuleConfig().WithName(cfg.Name)
	if len(cfg.Args) > 0 {
		modCfg = modCfg.WithArgs(cfg.Args...)
	}
	for k, v := range cfg.Env {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := e.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		e.pools.Deallocate(alloc)
		return nil, fmt.Errorf("instantiate failed: %w", err)
	}

	return &Instance{module: m, api: mod, alloc: alloc}, nil
}

// Allocation exposes the instance's pooled resources, for embedders
// that drive the fiber stack or GC heap directly.
func (i *Instance) Allocation() *pooling.Allocation { return i.alloc }

// Close tears the guest down and returns every slot to its pool. The
// module close path releases the linear memory through the allocator
// hook; the remaining resources are returned here.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	if i.api != nil {
		err = i.api.Close(ctx)
		i.api = nil
	}
	if i.alloc != nil {
		i.module.engine.pools.Deallocate(i.alloc)
		i.alloc = nil
	}
	return err
}
