package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the pool lifecycle the error occurred
type Phase string

const (
	PhaseConfig     Phase = "config"     // pool configuration and validation
	PhaseReserve    Phase = "reserve"    // address-space reservation
	PhaseMap        Phase = "map"        // protection and mapping transitions
	PhaseAllocate   Phase = "allocate"   // slot allocation
	PhaseGrow       Phase = "grow"       // in-place memory growth
	PhaseDeallocate Phase = "deallocate" // slot reset and return
	PhaseRuntime    Phase = "runtime"    // instantiation / engine glue
)

// Kind categorizes the error
type Kind string

const (
	KindCapacity     Kind = "capacity"      // pool exhausted, expected backpressure
	KindPlatform     Kind = "platform"      // OS mapping/protection call failed
	KindOverflow     Kind = "overflow"      // size computation exceeds addressable range
	KindLimit        Kind = "limit"         // request exceeds a configured static maximum
	KindInvalidInput Kind = "invalid_input" // malformed request or range
	KindPoisoned     Kind = "poisoned"      // slot unrecoverable after failed reset
	KindClosed       Kind = "closed"        // operation on a closed pool
)

// Error is the structured error type used throughout the allocator
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Pool   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Pool != "" {
		b.WriteString(" in ")
		b.WriteString(e.Pool)
		b.WriteString(" pool")
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Pool sets the pool kind name
func (b *Builder) Pool(name string) *Builder {
	b.err.Pool = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Capacity reports pool exhaustion. Callers treat this as backpressure.
func Capacity(pool string, limit uint32) *Error {
	return &Error{
		Phase:  PhaseAllocate,
		Kind:   KindCapacity,
		Pool:   pool,
		Detail: fmt.Sprintf("maximum concurrent %s limit of %d reached", pool, limit),
	}
}

// Platform wraps a failed OS virtual-memory call. Never retried:
// mapping failures reflect platform policy, not transient state.
func Platform(phase Phase, op string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindPlatform,
		Detail: op + " failed",
		Cause:  cause,
	}
}

// Overflow reports a slot-geometry computation that exceeds the
// addressable range. Detected before any OS call is attempted.
func Overflow(pool string, capacity uint32, slotSize uint64) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindOverflow,
		Pool:   pool,
		Detail: fmt.Sprintf("%d slots of %d bytes exceed the addressable range", capacity, slotSize),
	}
}

// GrowLimit reports growth past a module-defined static maximum.
func GrowLimit(requested, max uint64) *Error {
	return &Error{
		Phase:  PhaseGrow,
		Kind:   KindLimit,
		Detail: fmt.Sprintf("requested size %d exceeds static maximum %d", requested, max),
	}
}

// InvalidInput reports a malformed request or range
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed reports an operation against a closed pool
func Closed(pool string) *Error {
	return &Error{
		Phase: PhaseRuntime,
		Kind:  KindClosed,
		Pool:  pool,
	}
}

// IsCapacity reports whether err is a pool-exhaustion error.
// This is the signal a serving loop uses to shed load instead of crashing.
func IsCapacity(err error) bool {
	return isKind(err, KindCapacity)
}

// IsPlatform reports whether err wraps a failed OS call.
func IsPlatform(err error) bool {
	return isKind(err, KindPlatform)
}

func isKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
