package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

// WeakReference holds a weak reference to a managed object.
// When the target is swept, the reference becomes nil and the optional
// finalizer runs on the collector goroutine after the world restarts.
type WeakReference struct {
	id        uint32
	target    *ManagedObject
	finalizer func(ObjID)
	mu        sync.RWMutex
}

// ID returns the unique identifier for this weak reference.
func (wr *WeakReference) ID() uint32 {
	return wr.id
}

// Get returns the target object, or nil if it has been collected.
func (wr *WeakReference) Get() *ManagedObject {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.target
}

// IsAlive returns true if the target object has not been collected.
func (wr *WeakReference) IsAlive() bool {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.target != nil
}

// Clear clears the weak reference and returns the old target.
func (wr *WeakReference) Clear() *ManagedObject {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	old := wr.target
	wr.target = nil
	return old
}

// SetFinalizer sets a callback invoked with the target's id once the target
// is collected.
func (wr *WeakReference) SetFinalizer(fn func(ObjID)) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.finalizer = fn
}

// Finalizer returns the finalization callback, if any.
func (wr *WeakReference) Finalizer() func(ObjID) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.finalizer
}

// ---------------------------------------------------------------------------
// WeakRegistry: Tracks all weak references of a heap
// ---------------------------------------------------------------------------

// WeakRegistry manages the weak references of one heap.
type WeakRegistry struct {
	refs   map[uint32]*WeakReference
	mu     sync.RWMutex
	nextID atomic.Uint32
}

// NewWeakRegistry creates a new weak reference registry.
func NewWeakRegistry() *WeakRegistry {
	return &WeakRegistry{
		refs: make(map[uint32]*WeakReference),
	}
}

// Register creates and tracks a weak reference to target.
func (r *WeakRegistry) Register(target *ManagedObject) *WeakReference {
	wr := &WeakReference{
		id:     r.nextID.Add(1),
		target: target,
	}
	r.mu.Lock()
	r.refs[wr.id] = wr
	r.mu.Unlock()
	return wr
}

// Unregister removes a weak reference from the registry.
func (r *WeakRegistry) Unregister(wr *WeakReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, wr.id)
}

// Lookup finds a weak reference by ID.
func (r *WeakRegistry) Lookup(id uint32) *WeakReference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[id]
}

// Count returns the number of registered weak references.
func (r *WeakRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

type weakClear struct {
	wr     *WeakReference
	target ObjID
}

// processSweep clears every weak reference whose target is in dead and
// drops it from the registry. Finalizers are returned, not run: the sweep
// holds the world stopped.
func (r *WeakRegistry) processSweep(dead map[*ManagedObject]struct{}) []weakClear {
	if len(dead) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared []weakClear
	for id, wr := range r.refs {
		target := wr.Get()
		if target == nil {
			delete(r.refs, id)
			continue
		}
		if _, isDead := dead[target]; isDead {
			wr.Clear()
			delete(r.refs, id)
			cleared = append(cleared, weakClear{wr: wr, target: target.id})
		}
	}
	return cleared
}

func runWeakFinalizers(cleared []weakClear) {
	for _, c := range cleared {
		if fn := c.wr.Finalizer(); fn != nil {
			fn(c.target)
		}
	}
}

// NewWeakReference creates a weak reference to obj tracked by the heap.
func (h *Heap) NewWeakReference(obj *ManagedObject) (*WeakReference, error) {
	if !h.owns(obj) {
		return nil, ErrUnknownObject
	}
	return h.weak.Register(obj), nil
}

// WeakRefs returns the heap's weak reference registry.
func (h *Heap) WeakRefs() *WeakRegistry {
	return h.weak
}
