package vm

import (
	"sync"
	"time"
)

// GcType selects how a collection request waits and how the cycle runs.
type GcType uint8

const (
	// GCAsync enqueues a request and returns immediately.
	GCAsync GcType = iota
	// GCSync enqueues a request and waits for the cycle it joined.
	GCSync
	// GCFull waits for a stop-the-world, compacting cycle that begins
	// after the call.
	GCFull
)

func (t GcType) String() string {
	switch t {
	case GCAsync:
		return "async"
	case GCSync:
		return "sync"
	case GCFull:
		return "full"
	default:
		return "unknown"
	}
}

// GCReason records why a cycle was requested.
type GCReason uint8

const (
	ReasonUser GCReason = iota
	ReasonHeapThreshold
	ReasonAllocationFailed
	ReasonCrossRuntime
)

func (r GCReason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonHeapThreshold:
		return "heap-threshold"
	case ReasonAllocationFailed:
		return "allocation-failed"
	case ReasonCrossRuntime:
		return "cross-runtime"
	default:
		return "unknown"
	}
}

// Phase is the collector's position in the cycle state machine:
//
//	Idle -> Requested -> Marking -> (Moving) -> Sweeping -> Idle
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseMarking
	PhaseMoving
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequested:
		return "requested"
	case PhaseMarking:
		return "marking"
	case PhaseMoving:
		return "moving"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// CycleStats describes one completed collection cycle.
type CycleStats struct {
	Seq         uint64
	Type        GcType
	Reason      GCReason
	Requests    int // requests coalesced into this cycle
	Started     time.Time
	Finished    time.Time
	Pause       time.Duration // total stop-the-world time
	Marked      int
	Swept       int
	Moved       int
	FreedBytes  uint64
	LiveBytes   uint64
	Compacted   bool
	WeakCleared int
	ForeignRefs []ObjID // cross-boundary references held by live objects
}

// Duration returns the wall time of the cycle.
func (s *CycleStats) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}

// ---------------------------------------------------------------------------
// Request queue
// ---------------------------------------------------------------------------

// pendingCycle collects every request that arrives before the collector
// picks it up. All of them are satisfied by the same cycle.
type pendingCycle struct {
	typ      GcType
	reason   GCReason
	requests int
	done     chan struct{}
	stats    *CycleStats
	err      error
}

func (p *pendingCycle) finish(stats *CycleStats, err error) {
	p.stats = stats
	p.err = err
	close(p.done)
}

// requestQueue is the single, mutex-guarded coalescing point for RequestGC.
// There is at most one running cycle and at most one pending cycle.
type requestQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *pendingCycle
	running *pendingCycle
	phase   Phase
	closed  bool
	seq     uint64
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue joins the pending cycle, creating it if necessary. A request that
// raises the pending cycle's type also replaces its reason. A cycle that
// is already running is never joined: its marking may predate the caller's
// mutations.
func (q *requestQueue) enqueue(typ GcType, reason GCReason) (*pendingCycle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrHeapShutdown
	}

	p := q.pending
	if p == nil {
		p = &pendingCycle{
			typ:    typ,
			reason: reason,
			done:   make(chan struct{}),
		}
		q.pending = p
		if q.running == nil {
			q.phase = PhaseRequested
		}
		q.cond.Signal()
	} else if typ > p.typ {
		p.typ = typ
		p.reason = reason
	}
	p.requests++
	return p, nil
}

// next blocks until a cycle is pending and moves it to running. It returns
// nil once the queue is closed.
func (q *requestQueue) next() (*pendingCycle, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending == nil && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, 0
	}
	p := q.pending
	q.pending = nil
	q.running = p
	q.phase = PhaseMarking
	q.seq++
	return p, q.seq
}

// complete retires the running cycle.
func (q *requestQueue) complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = nil
	if q.pending != nil {
		q.phase = PhaseRequested
	} else {
		q.phase = PhaseIdle
	}
}

func (q *requestQueue) setPhase(p Phase) {
	q.mu.Lock()
	q.phase = p
	q.mu.Unlock()
}

func (q *requestQueue) currentPhase() Phase {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// close stops accepting requests and fails the pending cycle, if any.
func (q *requestQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	p := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	if p != nil {
		p.finish(nil, ErrHeapShutdown)
	}
}
