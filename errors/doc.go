// Package errors provides structured error types for the pooling allocator.
//
// Errors are categorized by Phase (where in the pool lifecycle the error
// occurred) and Kind (error category). The two kinds callers branch on:
//
//	KindCapacity - the pool is full; an expected, recoverable outcome that
//	               a serving loop turns into backpressure
//	KindPlatform - an OS virtual-memory call failed; fatal to the pool,
//	               carries the OS error as the cause
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseAllocate, errors.KindLimit).
//		Pool("memory").
//		Detail("initial size %d exceeds slot maximum %d", size, max).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Capacity("memory", 1000)
//	err := errors.Platform(errors.PhaseReserve, "mmap", osErr)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
