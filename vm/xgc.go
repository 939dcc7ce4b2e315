package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Collector sides
// ---------------------------------------------------------------------------

// Collector is the part of a runtime's collector that XGC can always fall
// back to.
type Collector interface {
	Name() string
	// Reachable reports whether the runtime is still up.
	Reachable() bool
	// CollectLocal runs a single-sided collection. With peerGone set the
	// roots previously installed on behalf of the other runtime are dropped
	// first.
	CollectLocal(peerGone bool) (*CycleStats, error)
}

// HostCollector is the host runtime's side of the joint handshake.
type HostCollector interface {
	Collector
	// PauseAndReport holds back reclaim and returns the ids of embedded
	// objects referenced by live host objects.
	PauseAndReport() ([]ObjID, error)
	// CompleteHandshake installs the host ids still referenced by the
	// embedded runtime and releases the reclaim pause. With collect set it
	// also schedules a host cycle.
	CompleteHandshake(embeddedRefs []ObjID, collect bool) error
	// Abort releases the reclaim pause without touching roots. Safe to
	// call when nothing is paused.
	Abort()
}

// EmbeddedCollector is the embedded runtime's side of the joint handshake.
type EmbeddedCollector interface {
	Collector
	// TraceFrom collects with crossRoots added to the native roots. The
	// returned stats carry the host ids held by surviving objects.
	TraceFrom(crossRoots []ObjID) (*CycleStats, error)
}

// ---------------------------------------------------------------------------
// Trigger results
// ---------------------------------------------------------------------------

// TriggerStatus tells whether the joint guarantee held.
type TriggerStatus uint8

const (
	TriggerJoint TriggerStatus = iota
	TriggerPartial
)

func (s TriggerStatus) String() string {
	if s == TriggerJoint {
		return "joint"
	}
	return "partial"
}

// TriggerResult describes one Trigger call.
type TriggerResult struct {
	SessionID  uuid.UUID
	Status     TriggerStatus
	CrossRoots []ObjID     // embedded ids reported by the host
	HostRefs   []ObjID     // host ids reported by the embedded side
	Embedded   *CycleStats // embedded cycle, joint or local
	Host       *CycleStats // host cycle when the host collected locally
	Degraded   error       // wraps ErrPartialCrossScan when Status is TriggerPartial
	Started    time.Time
	Duration   time.Duration
}

// ---------------------------------------------------------------------------
// CrossRuntimeGC
// ---------------------------------------------------------------------------

// CrossRuntimeGC arbitrates joint collections between a host and an
// embedded runtime. It owns at most one session at a time.
type CrossRuntimeGC struct {
	host     HostCollector
	embedded EmbeddedCollector
	cfg      XGCConfig

	mu      sync.Mutex
	session *XGCSession

	observersMu sync.RWMutex
	observers   []func(*TriggerResult)
}

// NewCrossRuntimeGC creates an arbiter for host and embedded. No session
// exists until Create.
func NewCrossRuntimeGC(host HostCollector, embedded EmbeddedCollector, cfg XGCConfig) *CrossRuntimeGC {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultXGCConfig().HandshakeTimeout
	}
	return &CrossRuntimeGC{host: host, embedded: embedded, cfg: cfg}
}

// Create opens the session.
func (x *CrossRuntimeGC) Create() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.session != nil {
		return ErrSessionAlreadyExists
	}
	if !x.host.Reachable() {
		return fmt.Errorf("create session: %s: %w", x.host.Name(), ErrHostUnreachable)
	}
	x.session = newXGCSession(x.host, x.embedded, x.cfg)
	xgcLog.Infof("session %s created (host %s, embedded %s)", x.session.id, x.host.Name(), x.embedded.Name())
	return nil
}

// GetInstance returns the current session, or nil.
func (x *CrossRuntimeGC) GetInstance() *XGCSession {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.session
}

// Destroy closes the session. It fails with ErrSessionBusy while a
// trigger is running, and waits for queued handshake steps to drain.
func (x *CrossRuntimeGC) Destroy() error {
	x.mu.Lock()
	s := x.session
	if s == nil {
		x.mu.Unlock()
		return ErrNoSession
	}
	if s.busy {
		x.mu.Unlock()
		return ErrSessionBusy
	}
	x.session = nil
	x.mu.Unlock()

	s.close()
	xgcLog.Infof("session %s destroyed after %d triggers", s.id, s.Triggers())
	return nil
}

// Trigger runs a joint collection. Only one trigger runs at a time; a call
// made while another is mid-handshake fails with ErrSessionBusy. A pass
// that could not reach both sides still collects on the reachable one and
// reports Status TriggerPartial.
func (x *CrossRuntimeGC) Trigger(ctx context.Context) (*TriggerResult, error) {
	x.mu.Lock()
	s := x.session
	if s == nil {
		x.mu.Unlock()
		return nil, ErrNoSession
	}
	if s.busy {
		x.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.busy = true
	x.mu.Unlock()

	res := s.run(ctx)

	s.triggers.Add(1)
	s.last.Store(res)
	x.mu.Lock()
	s.busy = false
	x.mu.Unlock()

	x.observersMu.RLock()
	observers := x.observers
	x.observersMu.RUnlock()
	for _, fn := range observers {
		fn(res)
	}
	return res, nil
}

// OnTrigger registers an observer called after every trigger.
func (x *CrossRuntimeGC) OnTrigger(fn func(*TriggerResult)) {
	x.observersMu.Lock()
	x.observers = append(x.observers, fn)
	x.observersMu.Unlock()
}

// Busy reports whether a trigger is running.
func (x *CrossRuntimeGC) Busy() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.session != nil && x.session.busy
}

// ---------------------------------------------------------------------------
// XGCSession
// ---------------------------------------------------------------------------

// XGCSession is the state of one Create/Destroy lifetime. Each side is
// driven through its own mailbox goroutine; the trigger only exchanges
// messages with them.
type XGCSession struct {
	id       uuid.UUID
	created  time.Time
	cfg      XGCConfig
	host     HostCollector
	embedded EmbeddedCollector
	hostBox  *mailbox
	embBox   *mailbox

	busy     bool // guarded by CrossRuntimeGC.mu
	triggers atomic.Int64
	last     atomic.Pointer[TriggerResult]
}

func newXGCSession(host HostCollector, embedded EmbeddedCollector, cfg XGCConfig) *XGCSession {
	return &XGCSession{
		id:       uuid.New(),
		created:  time.Now(),
		cfg:      cfg,
		host:     host,
		embedded: embedded,
		hostBox:  newMailbox("host " + host.Name()),
		embBox:   newMailbox("embedded " + embedded.Name()),
	}
}

// ID returns the session id.
func (s *XGCSession) ID() uuid.UUID { return s.id }

// Created returns when the session was opened.
func (s *XGCSession) Created() time.Time { return s.created }

// Triggers returns the number of completed triggers.
func (s *XGCSession) Triggers() int64 { return s.triggers.Load() }

// LastResult returns the result of the most recent trigger, or nil.
func (s *XGCSession) LastResult() *TriggerResult { return s.last.Load() }

func (s *XGCSession) close() {
	s.hostBox.close()
	s.embBox.close()
}

// run drives the three handshake steps:
//
//	host:     pause reclaim, report cross roots
//	embedded: trace from native + cross roots, report host refs
//	host:     install host refs, resume reclaim
func (s *XGCSession) run(ctx context.Context) *TriggerResult {
	res := &TriggerResult{SessionID: s.id, Started: time.Now()}
	defer func() { res.Duration = time.Since(res.Started) }()

	hostUp, embUp := s.host.Reachable(), s.embedded.Reachable()
	switch {
	case !hostUp && !embUp:
		s.partial(res, fmt.Errorf("%s and %s: %w", s.host.Name(), s.embedded.Name(), ErrHostUnreachable))
		return res
	case !hostUp:
		res.Embedded = s.local(ctx, s.embBox, s.embedded, true)
		s.partial(res, fmt.Errorf("%s: %w", s.host.Name(), ErrHostUnreachable))
		return res
	case !embUp:
		res.Host = s.local(ctx, s.hostBox, s.host, true)
		s.partial(res, fmt.Errorf("%s: %w", s.embedded.Name(), ErrHostUnreachable))
		return res
	}

	cross, err := call(ctx, s.hostBox, s.cfg.HandshakeTimeout, s.host.PauseAndReport)
	if err != nil {
		s.abortHost()
		res.Embedded = s.local(ctx, s.embBox, s.embedded, !s.host.Reachable())
		s.partial(res, fmt.Errorf("root report: %w", err))
		return res
	}
	res.CrossRoots = cross

	stats, err := call(ctx, s.embBox, s.cfg.HandshakeTimeout, func() (*CycleStats, error) {
		return s.embedded.TraceFrom(cross)
	})
	if err != nil {
		s.abortHost()
		res.Host = s.local(ctx, s.hostBox, s.host, !s.embedded.Reachable())
		s.partial(res, fmt.Errorf("embedded trace: %w", err))
		return res
	}
	res.Embedded = stats
	res.HostRefs = stats.ForeignRefs

	_, err = call(ctx, s.hostBox, s.cfg.HandshakeTimeout, func() (struct{}, error) {
		return struct{}{}, s.host.CompleteHandshake(stats.ForeignRefs, s.cfg.CollectHost)
	})
	if err != nil {
		s.abortHost()
		s.partial(res, fmt.Errorf("reclaim permission: %w", err))
		return res
	}

	res.Status = TriggerJoint
	xgcLog.Debugf("session %s: joint pass, %d cross roots, %d host refs, embedded swept %d",
		s.id, len(cross), len(res.HostRefs), stats.Swept)
	return res
}

// abortHost queues a pause release behind whatever the host mailbox is
// still running.
func (s *XGCSession) abortHost() {
	if err := s.hostBox.post(s.host.Abort); err != nil {
		// The mailbox is gone; release directly.
		s.host.Abort()
	}
}

func (s *XGCSession) local(ctx context.Context, box *mailbox, side Collector, peerGone bool) *CycleStats {
	stats, err := call(ctx, box, s.cfg.HandshakeTimeout, func() (*CycleStats, error) {
		return side.CollectLocal(peerGone)
	})
	if err != nil {
		xgcLog.Errorf("session %s: local collection on %s failed: %s", s.id, side.Name(), err.Error())
		return nil
	}
	return stats
}

func (s *XGCSession) partial(res *TriggerResult, cause error) {
	res.Status = TriggerPartial
	res.Degraded = fmt.Errorf("%w: %w", ErrPartialCrossScan, cause)
	xgcLog.Warningf("session %s: %s", s.id, res.Degraded.Error())
}

// ---------------------------------------------------------------------------
// Mailbox
// ---------------------------------------------------------------------------

// mailbox runs posted jobs one at a time on its own goroutine. The queue
// is unbounded so posting never blocks; close drains what was queued.
type mailbox struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newMailbox(name string) *mailbox {
	mb := &mailbox{name: name, done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	go mb.run()
	return mb
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		for len(mb.jobs) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if len(mb.jobs) == 0 {
			mb.mu.Unlock()
			return
		}
		job := mb.jobs[0]
		mb.jobs[0] = nil
		mb.jobs = mb.jobs[1:]
		mb.mu.Unlock()

		job()
	}
}

func (mb *mailbox) post(job func()) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return fmt.Errorf("%s: %w", mb.name, ErrSessionClosed)
	}
	mb.jobs = append(mb.jobs, job)
	mb.cond.Signal()
	return nil
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.cond.Broadcast()
	mb.mu.Unlock()
	<-mb.done
}

type reply[T any] struct {
	val T
	err error
}

// call posts fn to mb and waits for its reply, the timeout, or ctx. On
// timeout fn keeps running on the mailbox; its reply is dropped.
func call[T any](ctx context.Context, mb *mailbox, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)
	if err := mb.post(func() {
		v, err := fn()
		ch <- reply[T]{v, err}
	}); err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w", mb.name, ctx.Err())
	}
}
