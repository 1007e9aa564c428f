package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	pooling "github.com/wippyai/wasm-pooling"
	"github.com/wippyai/wasm-pooling/engine"
	"github.com/wippyai/wasm-pooling/errors"
	"github.com/wippyai/wasm-pooling/index"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to a wasm module to instantiate (optional; synthetic workload otherwise)")
		iterations  = flag.Int("n", 10000, "Total instantiations to perform")
		concurrency = flag.Int("c", 64, "Concurrent workers")
		capacity    = flag.Uint("capacity", 256, "Slots per pool")
		maxMemory   = flag.Uint64("max-memory", 256<<20, "Per-memory maximum in bytes")
		hold        = flag.Duration("hold", 0, "How long each worker holds an instance")
		affinity    = flag.Bool("affinity", true, "Reuse slots by module identity")
		simulated   = flag.Bool("sim", false, "Use the software-modeled backend instead of OS mappings")
		verbose     = flag.Bool("v", false, "Structured debug logging to stderr")
		interactive = flag.Bool("i", false, "Live dashboard (requires a TTY)")
	)
	flag.Parse()

	if *interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "poolbench: -i requires a terminal")
		os.Exit(1)
	}

	if *verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "poolbench: logger: %v\n", err)
			os.Exit(1)
		}
		defer log.Sync()
		pooling.SetLogger(log)
	}

	b := &bench{
		wasmFile:    *wasmFile,
		iterations:  int64(*iterations),
		concurrency: *concurrency,
		hold:        *hold,
	}
	cfg := pooling.DefaultConfig()
	cfg.TotalMemories = uint32(*capacity)
	cfg.TotalTables = uint32(*capacity)
	cfg.TotalStacks = uint32(*capacity)
	cfg.TotalGCHeaps = uint32(*capacity)
	cfg.MaxMemoryBytes = *maxMemory
	cfg.AffinityAllocation = *affinity
	cfg.Simulated = *simulated

	if err := b.run(cfg, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bench drives repeated instantiate/release cycles against one pool set
// and counts outcomes. Capacity denials are expected under contention
// and tracked separately from real failures.
type bench struct {
	wasmFile    string
	iterations  int64
	concurrency int
	hold        time.Duration

	started   atomic.Int64
	completed atomic.Int64
	shed      atomic.Int64
	failed    atomic.Int64
	lastErr   atomic.Pointer[string]
}

func (b *bench) run(cfg pooling.Config, interactive bool) error {
	ctx := context.Background()

	set, err := pooling.NewPoolSet(cfg)
	if err != nil {
		return fmt.Errorf("create pools: %w", err)
	}

	work := b.syntheticWork(set)
	if b.wasmFile != "" {
		data, err := os.ReadFile(b.wasmFile)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		eng, err := engine.New(ctx, engine.Config{Pools: set, EnableWASI: true})
		if err != nil {
			return err
		}
		defer eng.Close(ctx)
		mod, err := eng.Compile(ctx, data)
		if err != nil {
			return fmt.Errorf("compile: %w", err)
		}
		defer mod.Close(ctx)
		work = b.moduleWork(ctx, mod)
	}

	done := make(chan struct{})
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < b.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				n := b.started.Add(1)
				if n > b.iterations {
					return
				}
				work(worker)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	if interactive {
		if err := runDashboard(b, set, done); err != nil {
			return err
		}
		// Quitting the dashboard early leaves workers running; drain the
		// remaining iterations so the pools can close cleanly.
		b.started.Store(b.iterations)
	}
	<-done
	elapsed := time.Since(start)

	fmt.Printf("completed: %d\n", b.completed.Load())
	fmt.Printf("shed:      %d\n", b.shed.Load())
	fmt.Printf("failed:    %d\n", b.failed.Load())
	fmt.Printf("elapsed:   %s (%.0f/s)\n", elapsed.Round(time.Millisecond),
		float64(b.completed.Load())/elapsed.Seconds())
	if msg := b.lastErr.Load(); msg != nil {
		fmt.Printf("last error: %s\n", *msg)
	}

	return set.Close()
}

// syntheticWork exercises the pools directly, one full resource bundle
// per cycle, without running any guest code.
func (b *bench) syntheticWork(set *pooling.PoolSet) func(worker int) {
	return func(worker int) {
		a, err := set.Allocate(pooling.Request{
			Owner:      index.OwnerKey(uint64(worker)),
			Memories:   []pooling.MemorySpec{{MinBytes: 1 << 16}},
			Tables:     []pooling.TableSpec{{Elements: 128}},
			NeedStack:  true,
			NeedGCHeap: true,
		})
		if err != nil {
			b.record(err)
			return
		}
		// Dirty the first page so deallocation has real reset work.
		if buf := a.Memories[0].Bytes(); len(buf) > 0 {
			buf[0] = byte(worker)
		}
		if b.hold > 0 {
			time.Sleep(b.hold)
		}
		set.Deallocate(a)
		b.completed.Add(1)
	}
}

func (b *bench) moduleWork(ctx context.Context, mod *engine.Module) func(worker int) {
	return func(worker int) {
		inst, err := mod.Instantiate(ctx, nil)
		if err != nil {
			b.record(err)
			return
		}
		if b.hold > 0 {
			time.Sleep(b.hold)
		}
		if err := inst.Close(ctx); err != nil {
			b.record(err)
			return
		}
		b.completed.Add(1)
	}
}

func (b *bench) record(err error) {
	if errors.IsCapacity(err) {
		b.shed.Add(1)
		return
	}
	b.failed.Add(1)
	msg := err.Error()
	b.lastErr.Store(&msg)
}
