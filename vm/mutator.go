package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Mutator is a goroutine's handle on the heap. Every allocation and pointer
// store runs inside a critical section, so a stop-the-world request can
// never observe a half-built object or a half-done store.
//
// A Mutator is not safe for concurrent use; each goroutine attaches its own.
type Mutator struct {
	heap     *Heap
	id       uint32
	name     string
	detached atomic.Bool

	mu     sync.Mutex
	roots  map[ObjID]int
	frames []string
}

// StackSample is one mutator's shadow call stack, outermost frame first.
type StackSample struct {
	Mutator string
	Frames  []string
}

// Name returns the mutator's name.
func (m *Mutator) Name() string { return m.name }

// Heap returns the heap the mutator is attached to.
func (m *Mutator) Heap() *Heap { return m.heap }

func (m *Mutator) enter() error {
	if m.detached.Load() {
		return ErrMutatorDetached
	}
	return m.heap.enter()
}

// Safepoint yields to a pending stop-the-world. Long-running mutator loops
// that do not allocate should call it periodically.
func (m *Mutator) Safepoint() {
	m.heap.world.RLock()
	m.heap.world.RUnlock()
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate creates an object of the given kind with dataSize payload bytes
// and one reference slot per entry of slots (nil entries are empty). The
// new object is pinned to this mutator; Unpin it once it is reachable from
// elsewhere or no longer needed.
func (m *Mutator) Allocate(kind Kind, dataSize int, slots ...*ManagedObject) (*ManagedObject, error) {
	if kind == KindInvalid || kind >= kindCount {
		return nil, ErrInvalidKind
	}
	return m.alloc(allocRequest{kind: kind, dataSize: dataSize, slots: slots})
}

// AllocateStatic creates a static-model object with the given layout id.
func (m *Mutator) AllocateStatic(typeID uint32, dataSize int, slots ...*ManagedObject) (*ManagedObject, error) {
	return m.alloc(allocRequest{kind: KindStatic, typeID: typeID, dataSize: dataSize, slots: slots})
}

func (m *Mutator) alloc(req allocRequest) (*ManagedObject, error) {
	h := m.heap
	for attempt := 0; ; attempt++ {
		if err := m.enter(); err != nil {
			return nil, err
		}
		obj, ok, err := h.allocate(req)
		if ok {
			m.pin(obj.id)
		}
		h.exit()

		if err != nil {
			return nil, err
		}
		if ok {
			return obj, nil
		}

		switch attempt {
		case 0:
			heapLog.Debugf("heap %s: allocation of %d bytes failed, requesting full gc", h.name, req.dataSize)
			if _, err := h.RequestGCWithReason(GCFull, ReasonAllocationFailed); err != nil {
				return nil, err
			}
		case 1:
			_, need := SizeToClass(objectBytes(req.dataSize, len(req.slots)))
			if !h.grow(need) {
				return nil, fmt.Errorf("allocate %d bytes in %s: %w", need, h.name, ErrHeapExhausted)
			}
		default:
			return nil, fmt.Errorf("allocate in %s: %w", h.name, ErrHeapExhausted)
		}
	}
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

// WriteSlot stores a reference to target (nil clears) in slot i of obj.
// While the collector is marking, target is shaded before the store.
func (m *Mutator) WriteSlot(obj *ManagedObject, i int, target *ManagedObject) error {
	if err := m.enter(); err != nil {
		return err
	}
	h := m.heap
	defer h.exit()

	if !h.owns(obj) {
		return ErrUnknownObject
	}
	var id ObjID
	if target != nil {
		if !h.owns(target) {
			return ErrUnknownObject
		}
		id = target.id
	}
	if h.marking.Load() {
		h.shadeBarrier(target, h.epoch.Load())
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()
	if i < 0 || i >= len(obj.slots) {
		return ErrSlotOutOfRange
	}
	obj.slots[i] = id
	return nil
}

// WriteData copies b into obj's payload at offset off.
func (m *Mutator) WriteData(obj *ManagedObject, off int, b []byte) error {
	if err := m.enter(); err != nil {
		return err
	}
	h := m.heap
	defer h.exit()

	if !h.owns(obj) {
		return ErrUnknownObject
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if off < 0 || off+len(b) > len(obj.data) {
		return ErrSlotOutOfRange
	}
	copy(obj.data[off:], b)
	return nil
}

// WriteForeign records that obj holds a reference to id in the other
// runtime's heap.
func (m *Mutator) WriteForeign(obj *ManagedObject, id ObjID) error {
	if err := m.enter(); err != nil {
		return err
	}
	h := m.heap
	defer h.exit()

	if !h.owns(obj) {
		return ErrUnknownObject
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	for _, f := range obj.foreign {
		if f == id {
			return nil
		}
	}
	obj.foreign = append(obj.foreign, id)
	return nil
}

// DropForeign removes a cross-boundary reference from obj.
func (m *Mutator) DropForeign(obj *ManagedObject, id ObjID) error {
	if err := m.enter(); err != nil {
		return err
	}
	h := m.heap
	defer h.exit()

	if !h.owns(obj) {
		return ErrUnknownObject
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	for i, f := range obj.foreign {
		if f == id {
			obj.foreign = append(obj.foreign[:i], obj.foreign[i+1:]...)
			break
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Local roots
// ---------------------------------------------------------------------------

// Pin adds obj to this mutator's roots. Pins are counted.
func (m *Mutator) Pin(obj *ManagedObject) error {
	if err := m.enter(); err != nil {
		return err
	}
	h := m.heap
	defer h.exit()

	if !h.owns(obj) {
		return ErrUnknownObject
	}
	m.pin(obj.id)
	if h.marking.Load() {
		h.shadeBarrier(obj, h.epoch.Load())
	}
	return nil
}

// Unpin drops one pin of obj.
func (m *Mutator) Unpin(obj *ManagedObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.roots[obj.id]; n > 1 {
		m.roots[obj.id] = n - 1
	} else {
		delete(m.roots, obj.id)
	}
}

// UnpinAll drops every pin held by this mutator.
func (m *Mutator) UnpinAll() {
	m.mu.Lock()
	m.roots = make(map[ObjID]int)
	m.mu.Unlock()
}

// Pinned returns the number of distinct objects pinned by this mutator.
func (m *Mutator) Pinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roots)
}

func (m *Mutator) pin(id ObjID) {
	m.mu.Lock()
	m.roots[id]++
	m.mu.Unlock()
}

func (m *Mutator) appendRoots(ids []ObjID) []ObjID {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.roots {
		ids = append(ids, id)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Shadow stack
// ---------------------------------------------------------------------------

// Enter pushes a frame onto the mutator's shadow call stack.
func (m *Mutator) Enter(frame string) {
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
}

// Leave pops the innermost frame.
func (m *Mutator) Leave() {
	m.mu.Lock()
	if n := len(m.frames); n > 0 {
		m.frames = m.frames[:n-1]
	}
	m.mu.Unlock()
}

func (m *Mutator) stack() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil
	}
	out := make([]string, len(m.frames))
	copy(out, m.frames)
	return out
}

// Detach drops the mutator's roots and unregisters it. Further operations
// fail with ErrMutatorDetached.
func (m *Mutator) Detach() {
	if !m.detached.CompareAndSwap(false, true) {
		return
	}
	m.UnpinAll()
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
	m.heap.detach(m)
}
