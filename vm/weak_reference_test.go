package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// WeakReference basic tests
// ---------------------------------------------------------------------------

func TestNewWeakReference(t *testing.T) {
	h, _ := newTestHeap(t, "weak", HeapConfig{})
	m := attach(t, h, "main")
	obj := mustAlloc(t, m, 8)

	wr, err := h.NewWeakReference(obj)
	if err != nil {
		t.Fatalf("NewWeakReference: %v", err)
	}
	if wr.ID() == 0 {
		t.Error("WeakReference should have non-zero ID")
	}
	if wr.Get() != obj {
		t.Error("Get should return the target object")
	}
	if h.WeakRefs().Lookup(wr.ID()) != wr {
		t.Error("registry Lookup should find the reference")
	}
	if h.Stats().WeakRefs != 1 {
		t.Errorf("Stats().WeakRefs = %d, want 1", h.Stats().WeakRefs)
	}
}

func TestNewWeakReferenceUnknownObject(t *testing.T) {
	h1, _ := newTestHeap(t, "one", HeapConfig{})
	h2, _ := newTestHeap(t, "two", HeapConfig{})
	obj := mustAlloc(t, attach(t, h2, "main"), 8)

	if _, err := h1.NewWeakReference(obj); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("NewWeakReference across heaps = %v, want ErrUnknownObject", err)
	}
}

func TestWeakReferenceClear(t *testing.T) {
	reg := NewWeakRegistry()
	obj := &ManagedObject{id: 1}
	wr := reg.Register(obj)

	if !wr.IsAlive() {
		t.Error("WeakReference should be alive initially")
	}
	if old := wr.Clear(); old != obj {
		t.Error("Clear should return the old target")
	}
	if wr.IsAlive() || wr.Get() != nil {
		t.Error("WeakReference should be dead after Clear")
	}
}

func TestWeakRegistryUnregister(t *testing.T) {
	reg := NewWeakRegistry()
	a := reg.Register(&ManagedObject{id: 1})
	b := reg.Register(&ManagedObject{id: 2})

	if a.ID() == b.ID() {
		t.Fatal("weak references should get distinct ids")
	}
	if reg.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reg.Count())
	}
	reg.Unregister(a)
	if reg.Count() != 1 || reg.Lookup(a.ID()) != nil {
		t.Error("Unregister should drop the reference")
	}
}

// ---------------------------------------------------------------------------
// Interaction with the collector
// ---------------------------------------------------------------------------

func TestWeakReferenceDoesNotRetain(t *testing.T) {
	h, _ := newTestHeap(t, "retain", HeapConfig{})
	m := attach(t, h, "main")
	obj := mustAlloc(t, m, 8)

	wr, err := h.NewWeakReference(obj)
	if err != nil {
		t.Fatal(err)
	}
	var finalized ObjID
	wr.SetFinalizer(func(id ObjID) { finalized = id })

	m.Unpin(obj)
	stats, err := h.RequestGC(GCFull)
	if err != nil {
		t.Fatal(err)
	}

	if wr.IsAlive() {
		t.Error("weak reference should be cleared once its target is swept")
	}
	if finalized != obj.ID() {
		t.Errorf("finalizer got %d, want %d", finalized, obj.ID())
	}
	if stats.WeakCleared != 1 {
		t.Errorf("WeakCleared = %d, want 1", stats.WeakCleared)
	}
	if h.WeakRefs().Count() != 0 {
		t.Errorf("registry still holds %d references", h.WeakRefs().Count())
	}
}

func TestWeakReferenceSurvivesWithStrongRef(t *testing.T) {
	h, _ := newTestHeap(t, "strong", HeapConfig{})
	m := attach(t, h, "main")
	obj := mustAlloc(t, m, 8)

	wr, err := h.NewWeakReference(obj)
	if err != nil {
		t.Fatal(err)
	}
	called := false
	wr.SetFinalizer(func(ObjID) { called = true })

	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatal(err)
	}
	if wr.Get() != obj {
		t.Error("weak reference to a pinned object should stay set")
	}
	if called {
		t.Error("finalizer ran for a live object")
	}
}
