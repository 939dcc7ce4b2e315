package vm

import (
	"sync"
	"sync/atomic"
	"testing"
)

// testOps is a minimal operator bundle: every non-zero slot is a reference.
type testOps struct {
	moved     atomic.Int64
	finalized atomic.Int64

	mu           sync.Mutex
	scanHook     func(*ManagedObject)
	finalizedIDs []ObjID
}

func (o *testOps) Size(obj *ManagedObject) uint64 { return obj.Size() }

func (o *testOps) Scan(obj *ManagedObject, visit func(ObjID)) {
	o.mu.Lock()
	hook := o.scanHook
	o.mu.Unlock()
	if hook != nil {
		hook(obj)
	}
	obj.VisitSlots(func(_ int, id ObjID) {
		if id != 0 {
			visit(id)
		}
	})
}

func (o *testOps) Move(obj *ManagedObject, from, to uint64) {
	o.moved.Add(1)
}

func (o *testOps) Finalize(obj *ManagedObject) {
	o.finalized.Add(1)
	o.mu.Lock()
	o.finalizedIDs = append(o.finalizedIDs, obj.ID())
	o.mu.Unlock()
}

func (o *testOps) setScanHook(fn func(*ManagedObject)) {
	o.mu.Lock()
	o.scanHook = fn
	o.mu.Unlock()
}

func (o *testOps) wasFinalized(id ObjID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.finalizedIDs {
		if f == id {
			return true
		}
	}
	return false
}

// newTestHeap creates a heap whose dynamic and static slots share one
// testOps. The heap is shut down when the test ends.
func newTestHeap(t *testing.T, name string, cfg HeapConfig) (*Heap, *testOps) {
	t.Helper()
	ops := &testOps{}
	table := NewOperatorTable()
	if err := table.RegisterDynamic(ops); err != nil {
		t.Fatalf("RegisterDynamic: %v", err)
	}
	if err := table.RegisterStatic(ops); err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}
	h := NewHeap(name, table, cfg)
	t.Cleanup(h.Shutdown)
	return h, ops
}

func attach(t *testing.T, h *Heap, name string) *Mutator {
	t.Helper()
	m, err := h.AttachMutator(name)
	if err != nil {
		t.Fatalf("AttachMutator(%s): %v", name, err)
	}
	return m
}

func mustAlloc(t *testing.T, m *Mutator, dataSize int, slots ...*ManagedObject) *ManagedObject {
	t.Helper()
	obj, err := m.Allocate(KindDynamic, dataSize, slots...)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return obj
}
