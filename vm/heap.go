package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Heap owns the object graph of one execution context. Mutators allocate
// and write through critical sections; the collector goroutine brings them
// to a safepoint by stopping the world.
type Heap struct {
	name string
	ops  *OperatorTable
	cfg  HeapConfig

	objects *xsync.Map[ObjID, *ManagedObject]
	nextID  atomic.Uint64

	// Region accounting. top is the bump pointer; used counts bytes of
	// objects that have not been swept.
	region atomic.Uint64
	top    atomic.Uint64
	used   atomic.Uint64

	// world is the safepoint. Mutator critical sections hold it shared;
	// stop-the-world holds it exclusively. Pending writers block new
	// readers, so a stop request brings every mutator to a halt at its
	// next critical section.
	world sync.RWMutex

	epoch   atomic.Uint64
	marking atomic.Bool

	barrierMu  sync.Mutex
	barrierBuf []*ManagedObject

	rootsMu   sync.RWMutex
	roots     map[ObjID]int
	external  map[string][]ObjID
	mutators  map[uint32]*Mutator
	mutatorID uint32

	// Reclaim gate; XGC pauses sweeping while it reports roots.
	reclaimMu     sync.Mutex
	reclaimCond   *sync.Cond
	reclaimPaused int

	queue     *requestQueue
	collector chan struct{}
	closing   atomic.Bool

	cycles    atomic.Uint64
	lastCycle atomic.Pointer[CycleStats]

	observersMu sync.RWMutex
	observers   []func(*CycleStats)

	weak *WeakRegistry
}

// NewHeap creates a heap bound to an operator table and starts its
// collector goroutine.
func NewHeap(name string, ops *OperatorTable, cfg HeapConfig) *Heap {
	cfg = cfg.withDefaults()
	h := &Heap{
		name:      name,
		ops:       ops,
		cfg:       cfg,
		objects:   xsync.NewMap[ObjID, *ManagedObject](),
		roots:     make(map[ObjID]int),
		external:  make(map[string][]ObjID),
		mutators:  make(map[uint32]*Mutator),
		queue:     newRequestQueue(),
		collector: make(chan struct{}),
		weak:      NewWeakRegistry(),
	}
	h.region.Store(cfg.RegionSize)
	h.reclaimCond = sync.NewCond(&h.reclaimMu)

	go h.collectLoop()
	heapLog.Debugf("heap %s: region %d bytes, %d mark workers", name, cfg.RegionSize, cfg.MarkWorkers)
	return h
}

// Name returns the heap's name.
func (h *Heap) Name() string { return h.name }

// Operators returns the operator table the heap dispatches through.
func (h *Heap) Operators() *OperatorTable { return h.ops }

// GetRegionSize reports the reserved region size. It reads process-wide
// metadata only and needs no safepoint.
func (h *Heap) GetRegionSize() uint64 {
	return h.region.Load()
}

// Phase returns the collector's current phase.
func (h *Heap) Phase() Phase {
	return h.queue.currentPhase()
}

// Lookup returns the live object with the given id.
func (h *Heap) Lookup(id ObjID) (*ManagedObject, bool) {
	return h.objects.Load(id)
}

// MarkState returns the object's color in the current epoch.
func (h *Heap) MarkState(obj *ManagedObject) MarkState {
	return obj.colorAt(h.epoch.Load())
}

// ---------------------------------------------------------------------------
// Safepoint
// ---------------------------------------------------------------------------

func (h *Heap) enter() error {
	h.world.RLock()
	if h.closing.Load() {
		h.world.RUnlock()
		return ErrHeapShutdown
	}
	return nil
}

func (h *Heap) exit() {
	h.world.RUnlock()
}

// stopTheWorld waits until no mutator is inside a critical section and
// keeps new ones out.
func (h *Heap) stopTheWorld() {
	h.world.Lock()
}

func (h *Heap) startTheWorld() {
	h.world.Unlock()
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// bump reserves size bytes at the region top. Lock-free.
func (h *Heap) bump(size uint64) (uint64, bool) {
	for {
		top := h.top.Load()
		if top+size > h.region.Load() {
			return 0, false
		}
		if h.top.CompareAndSwap(top, top+size) {
			return top, true
		}
	}
}

// grow raises the region so that at least need more bytes fit above top.
func (h *Heap) grow(need uint64) bool {
	for {
		cur := h.region.Load()
		want := uint64(float64(cur) * h.cfg.GrowthFactor)
		if floor := h.top.Load() + need; want < floor {
			want = floor
		}
		if want > h.cfg.MaxRegionSize {
			want = h.cfg.MaxRegionSize
		}
		if want <= cur || want < h.top.Load()+need {
			return false
		}
		if h.region.CompareAndSwap(cur, want) {
			heapLog.Infof("heap %s: region grown %d -> %d bytes", h.name, cur, want)
			return true
		}
	}
}

type allocRequest struct {
	kind     Kind
	typeID   uint32
	dataSize int
	slots    []*ManagedObject
}

// allocate builds and publishes an object. It must be called inside a
// critical section.
func (h *Heap) allocate(req allocRequest) (*ManagedObject, bool, error) {
	if _, err := h.ops.mustLookup(req.kind); err != nil {
		return nil, false, err
	}
	h.ops.Seal()

	for _, s := range req.slots {
		if s != nil && !h.owns(s) {
			return nil, false, fmt.Errorf("initial slot %d: %w", s.id, ErrUnknownObject)
		}
	}

	class, size := SizeToClass(objectBytes(req.dataSize, len(req.slots)))
	addr, ok := h.bump(size)
	if !ok {
		return nil, false, nil
	}

	obj := &ManagedObject{
		id:        ObjID(h.nextID.Add(1)),
		kind:      req.kind,
		sizeClass: class,
		typeID:    req.typeID,
		size:      size,
		slots:     make([]ObjID, len(req.slots)),
		data:      make([]byte, req.dataSize),
	}
	obj.addr.Store(addr)
	for i, s := range req.slots {
		if s != nil {
			obj.slots[i] = s.id
		}
	}

	// Objects born during concurrent marking are black; whatever they
	// point at must be shaded since they will not be scanned.
	if h.marking.Load() {
		epoch := h.epoch.Load()
		obj.mark.Store(packMark(epoch, Black))
		for _, s := range req.slots {
			h.shadeBarrier(s, epoch)
		}
	}

	h.used.Add(size)
	h.objects.Store(obj.id, obj)
	return obj, true, nil
}

func (h *Heap) owns(obj *ManagedObject) bool {
	cur, ok := h.objects.Load(obj.id)
	return ok && cur == obj && !obj.freed.Load()
}

// shadeBarrier is the insertion write barrier.
func (h *Heap) shadeBarrier(target *ManagedObject, epoch uint64) {
	if target == nil {
		return
	}
	if target.shade(epoch) {
		h.barrierMu.Lock()
		h.barrierBuf = append(h.barrierBuf, target)
		h.barrierMu.Unlock()
	}
}

func (h *Heap) takeBarrierBuffer() []*ManagedObject {
	h.barrierMu.Lock()
	defer h.barrierMu.Unlock()
	buf := h.barrierBuf
	h.barrierBuf = nil
	return buf
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// AddRoot pins obj as a global root. Roots are counted; each AddRoot needs
// a matching RemoveRoot.
func (h *Heap) AddRoot(obj *ManagedObject) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.exit()
	if !h.owns(obj) {
		return ErrUnknownObject
	}
	h.rootsMu.Lock()
	h.roots[obj.id]++
	h.rootsMu.Unlock()
	if h.marking.Load() {
		h.shadeBarrier(obj, h.epoch.Load())
	}
	return nil
}

// RemoveRoot drops one pin of obj.
func (h *Heap) RemoveRoot(obj *ManagedObject) {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	if n := h.roots[obj.id]; n > 1 {
		h.roots[obj.id] = n - 1
	} else {
		delete(h.roots, obj.id)
	}
}

// SetExternalRoots replaces the root set contributed by source. A nil or
// empty ids removes the source.
func (h *Heap) SetExternalRoots(source string, ids []ObjID) {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	if len(ids) == 0 {
		delete(h.external, source)
		return
	}
	cp := make([]ObjID, len(ids))
	copy(cp, ids)
	h.external[source] = cp
}

// ExternalRoots returns the ids contributed by source.
func (h *Heap) ExternalRoots(source string) []ObjID {
	h.rootsMu.RLock()
	defer h.rootsMu.RUnlock()
	ids := h.external[source]
	cp := make([]ObjID, len(ids))
	copy(cp, ids)
	return cp
}

// rootIDs gathers global, mutator and external roots.
func (h *Heap) rootIDs() []ObjID {
	h.rootsMu.RLock()
	ids := make([]ObjID, 0, len(h.roots))
	for id := range h.roots {
		ids = append(ids, id)
	}
	for _, ext := range h.external {
		ids = append(ids, ext...)
	}
	muts := make([]*Mutator, 0, len(h.mutators))
	for _, m := range h.mutators {
		muts = append(muts, m)
	}
	h.rootsMu.RUnlock()

	for _, m := range muts {
		ids = m.appendRoots(ids)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Mutators
// ---------------------------------------------------------------------------

// AttachMutator registers a mutator goroutine with the heap.
func (h *Heap) AttachMutator(name string) (*Mutator, error) {
	if h.closing.Load() {
		return nil, ErrHeapShutdown
	}
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	h.mutatorID++
	m := &Mutator{
		heap:  h,
		id:    h.mutatorID,
		name:  name,
		roots: make(map[ObjID]int),
	}
	h.mutators[m.id] = m
	return m, nil
}

func (h *Heap) detach(m *Mutator) {
	h.rootsMu.Lock()
	delete(h.mutators, m.id)
	h.rootsMu.Unlock()
}

// MutatorCount returns the number of attached mutators.
func (h *Heap) MutatorCount() int {
	h.rootsMu.RLock()
	defer h.rootsMu.RUnlock()
	return len(h.mutators)
}

// SampleStacks snapshots the shadow stack of every attached mutator that is
// currently inside a frame.
func (h *Heap) SampleStacks() []StackSample {
	h.rootsMu.RLock()
	muts := make([]*Mutator, 0, len(h.mutators))
	for _, m := range h.mutators {
		muts = append(muts, m)
	}
	h.rootsMu.RUnlock()
	sort.Slice(muts, func(i, j int) bool { return muts[i].id < muts[j].id })

	var out []StackSample
	for _, m := range muts {
		if frames := m.stack(); len(frames) > 0 {
			out = append(out, StackSample{Mutator: m.name, Frames: frames})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Reclaim gate
// ---------------------------------------------------------------------------

// PauseReclaim holds back sweeping until ResumeReclaim. Cycles may still
// mark. Calls nest.
func (h *Heap) PauseReclaim() {
	h.reclaimMu.Lock()
	h.reclaimPaused++
	h.reclaimMu.Unlock()
}

// ResumeReclaim releases one PauseReclaim.
func (h *Heap) ResumeReclaim() {
	h.reclaimMu.Lock()
	if h.reclaimPaused > 0 {
		h.reclaimPaused--
	}
	h.reclaimMu.Unlock()
	h.reclaimCond.Broadcast()
}

// ReclaimPaused reports whether sweeping is currently held back.
func (h *Heap) ReclaimPaused() bool {
	h.reclaimMu.Lock()
	defer h.reclaimMu.Unlock()
	return h.reclaimPaused > 0
}

// acquireReclaim waits for the gate to open and holds it until
// releaseReclaim. It must be taken before stopping the world.
func (h *Heap) acquireReclaim() {
	h.reclaimMu.Lock()
	for h.reclaimPaused > 0 && !h.closing.Load() {
		h.reclaimCond.Wait()
	}
}

func (h *Heap) releaseReclaim() {
	h.reclaimMu.Unlock()
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// ForEachObj calls visitor for every live object. With safe set, the world
// is stopped for the whole iteration so the snapshot is consistent; without
// it the iteration races with mutators and is best-effort. It returns false
// if the heap is shutting down.
//
// The visitor must not call back into mutator operations.
func (h *Heap) ForEachObj(visitor func(*ManagedObject), safe bool) bool {
	return h.Walk(visitor, safe) == nil
}

// Walk is ForEachObj with an error describing why the traversal was
// refused.
func (h *Heap) Walk(visitor func(*ManagedObject), safe bool) error {
	if h.closing.Load() {
		return fmt.Errorf("walk %s: %w", h.name, ErrUnsafeTraversal)
	}
	if safe {
		h.stopTheWorld()
		defer h.startTheWorld()
		if h.closing.Load() {
			return fmt.Errorf("walk %s: %w", h.name, ErrUnsafeTraversal)
		}
	}
	h.objects.Range(func(_ ObjID, obj *ManagedObject) bool {
		if !obj.freed.Load() {
			visitor(obj)
		}
		return true
	})
	return nil
}

// ReachableForeignRefs traces the heap from its roots without collecting
// and returns the cross-boundary references held by reachable objects.
func (h *Heap) ReachableForeignRefs() ([]ObjID, error) {
	if h.closing.Load() {
		return nil, ErrHeapShutdown
	}

	// Roots are read inside the pause so a pin made by a mutator that was
	// mid-section when the pause began is still traced.
	h.stopTheWorld()
	defer h.startTheWorld()
	roots := h.rootIDs()

	seen := make(map[ObjID]struct{}, len(roots))
	foreign := make(map[ObjID]struct{})
	stack := make([]*ManagedObject, 0, len(roots))
	push := func(id ObjID) {
		if _, ok := seen[id]; ok {
			return
		}
		if obj, ok := h.objects.Load(id); ok {
			seen[id] = struct{}{}
			stack = append(stack, obj)
		}
	}
	for _, id := range roots {
		push(id)
	}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ops, err := h.ops.mustLookup(obj.kind)
		if err != nil {
			return nil, err
		}
		ops.Scan(obj, push)
		for _, f := range obj.ForeignRefs() {
			foreign[f] = struct{}{}
		}
	}
	return sortedIDs(foreign), nil
}

func sortedIDs(set map[ObjID]struct{}) []ObjID {
	out := make([]ObjID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------------
// GC requests
// ---------------------------------------------------------------------------

// RequestGC asks for a collection cycle. ASYNC returns immediately with nil
// stats; SYNC waits for the cycle the request was coalesced into; FULL
// waits for a stop-the-world cycle that begins after the call, so every
// write made before the call is visible to its trace.
func (h *Heap) RequestGC(typ GcType) (*CycleStats, error) {
	return h.RequestGCWithReason(typ, ReasonUser)
}

// RequestGCWithReason is RequestGC with an explicit reason tag.
func (h *Heap) RequestGCWithReason(typ GcType, reason GCReason) (*CycleStats, error) {
	if typ > GCFull {
		return nil, ErrInvalidGCRequest
	}
	p, err := h.queue.enqueue(typ, reason)
	if err != nil {
		return nil, err
	}
	if typ == GCAsync {
		return nil, nil
	}
	<-p.done
	return p.stats, p.err
}

// OnCycle registers an observer called after every completed cycle, on the
// collector goroutine. Observers must not wait on a collection of the same
// heap.
func (h *Heap) OnCycle(fn func(*CycleStats)) {
	h.observersMu.Lock()
	h.observers = append(h.observers, fn)
	h.observersMu.Unlock()
}

// ---------------------------------------------------------------------------
// Stats and lifecycle
// ---------------------------------------------------------------------------

// HeapStats is a point-in-time summary of the heap.
type HeapStats struct {
	Name        string
	Objects     int
	UsedBytes   uint64
	TopBytes    uint64
	RegionBytes uint64
	Cycles      uint64
	Phase       Phase
	Mutators    int
	WeakRefs    int
	LastCycle   *CycleStats
}

// Occupancy returns the fraction of the region below the bump pointer.
func (s HeapStats) Occupancy() float64 {
	if s.RegionBytes == 0 {
		return 0
	}
	return float64(s.TopBytes) / float64(s.RegionBytes)
}

// Stats returns a summary of the heap without stopping the world.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		Name:        h.name,
		Objects:     h.objects.Size(),
		UsedBytes:   h.used.Load(),
		TopBytes:    h.top.Load(),
		RegionBytes: h.region.Load(),
		Cycles:      h.cycles.Load(),
		Phase:       h.Phase(),
		Mutators:    h.MutatorCount(),
		WeakRefs:    h.weak.Count(),
		LastCycle:   h.lastCycle.Load(),
	}
}

// Closed reports whether Shutdown has begun.
func (h *Heap) Closed() bool {
	return h.closing.Load()
}

// Shutdown stops accepting requests, fails pending waiters, lets a running
// cycle finish and stops the collector goroutine. Safe to call twice.
func (h *Heap) Shutdown() {
	if !h.closing.CompareAndSwap(false, true) {
		<-h.collector
		return
	}
	h.queue.close()
	h.reclaimMu.Lock()
	h.reclaimCond.Broadcast()
	h.reclaimMu.Unlock()
	<-h.collector
	heapLog.Debugf("heap %s: shut down after %d cycles", h.name, h.cycles.Load())
}
