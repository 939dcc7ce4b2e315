package vm

import "errors"

// Operator table errors. These are initialization errors and should abort
// startup.
var (
	ErrDoubleRegistration = errors.New("operator slot already registered")
	ErrRegistrationClosed = errors.New("operator table sealed by first allocation")
	ErrOperatorsMissing   = errors.New("no operators registered for object kind")
)

// Heap errors.
var (
	ErrHeapShutdown     = errors.New("heap is shut down")
	ErrHeapExhausted    = errors.New("heap region exhausted")
	ErrUnsafeTraversal  = errors.New("heap cannot provide a consistent traversal")
	ErrUnknownObject    = errors.New("object is not live in this heap")
	ErrSlotOutOfRange   = errors.New("slot index out of range")
	ErrMutatorDetached  = errors.New("mutator is detached")
	ErrInvalidKind      = errors.New("invalid object kind")
	ErrInvalidGCRequest = errors.New("invalid gc request type")
)

// Cross-runtime GC errors. ErrPartialCrossScan is never returned as the
// error of Trigger; it is reported through TriggerResult.Degraded.
var (
	ErrSessionAlreadyExists = errors.New("xgc session already exists")
	ErrSessionBusy          = errors.New("xgc session busy")
	ErrNoSession            = errors.New("no xgc session")
	ErrSessionClosed        = errors.New("xgc session closed")
	ErrHostUnreachable      = errors.New("host collector unreachable")
	ErrPartialCrossScan     = errors.New("cross-runtime scan degraded to local collection")
)

// Profiler errors.
var (
	ErrProfilerAlreadyRunning = errors.New("cpu profiler already running")
	ErrProfilerNotRunning     = errors.New("cpu profiler not running")
)
