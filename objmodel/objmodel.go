// Package objmodel provides the operator bundles of the two object models
// that share a heap: dynamically-typed objects, whose every slot may hold a
// reference, and statically-typed objects, whose reference slots are fixed
// by a per-type pointer mask.
package objmodel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/heapcoord/vm"
)

// Counters tracks operator activity.
type Counters struct {
	moved     atomic.Uint64
	finalized atomic.Uint64
}

// Moved returns the number of Move calls.
func (c *Counters) Moved() uint64 { return c.moved.Load() }

// Finalized returns the number of Finalize calls.
func (c *Counters) Finalized() uint64 { return c.finalized.Load() }

// ---------------------------------------------------------------------------
// Dynamic
// ---------------------------------------------------------------------------

// Dynamic is the operator bundle of the dynamic object model.
type Dynamic struct {
	Counters

	// OnFinalize, if set, is called for every reclaimed object. It runs
	// with the world stopped and must not touch the heap.
	OnFinalize func(*vm.ManagedObject)
}

// NewDynamic creates the dynamic operator bundle.
func NewDynamic() *Dynamic {
	return &Dynamic{}
}

func (d *Dynamic) Size(obj *vm.ManagedObject) uint64 {
	return obj.Size()
}

func (d *Dynamic) Scan(obj *vm.ManagedObject, visit func(vm.ObjID)) {
	obj.VisitSlots(func(_ int, id vm.ObjID) {
		if id != 0 {
			visit(id)
		}
	})
}

func (d *Dynamic) Move(obj *vm.ManagedObject, from, to uint64) {
	d.moved.Add(1)
}

func (d *Dynamic) Finalize(obj *vm.ManagedObject) {
	d.finalized.Add(1)
	if d.OnFinalize != nil {
		d.OnFinalize(obj)
	}
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

// Layout describes which slots of a static type hold references.
type Layout struct {
	Name    string
	PtrMask []uint64 // bit i set: slot i is a reference
}

// IsPointer reports whether slot i is a reference slot.
func (l Layout) IsPointer(i int) bool {
	w := i / 64
	if w >= len(l.PtrMask) {
		return false
	}
	return l.PtrMask[w]&(1<<(uint(i)%64)) != 0
}

// Static is the operator bundle of the static object model. Objects whose
// type id has no layout are scanned conservatively.
type Static struct {
	Counters

	OnFinalize func(*vm.ManagedObject)

	mu      sync.RWMutex
	layouts map[uint32]Layout
}

// NewStatic creates the static operator bundle with no layouts.
func NewStatic() *Static {
	return &Static{layouts: make(map[uint32]Layout)}
}

// DefineLayout registers the pointer slots of a static type. Type id 0 is
// reserved for untyped objects.
func (s *Static) DefineLayout(typeID uint32, name string, ptrSlots ...int) error {
	if typeID == 0 {
		return fmt.Errorf("layout %q: type id 0 is reserved", name)
	}
	var mask []uint64
	for _, i := range ptrSlots {
		if i < 0 {
			return fmt.Errorf("layout %q: negative slot %d", name, i)
		}
		for len(mask) <= i/64 {
			mask = append(mask, 0)
		}
		mask[i/64] |= 1 << (uint(i) % 64)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.layouts[typeID]; exists {
		return fmt.Errorf("layout %q: type id %d already defined", name, typeID)
	}
	s.layouts[typeID] = Layout{Name: name, PtrMask: mask}
	return nil
}

// Layout returns the layout registered for typeID.
func (s *Static) Layout(typeID uint32) (Layout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layouts[typeID]
	return l, ok
}

func (s *Static) Size(obj *vm.ManagedObject) uint64 {
	return obj.Size()
}

func (s *Static) Scan(obj *vm.ManagedObject, visit func(vm.ObjID)) {
	layout, typed := s.Layout(obj.TypeID())
	obj.VisitSlots(func(i int, id vm.ObjID) {
		if id == 0 {
			return
		}
		if !typed || layout.IsPointer(i) {
			visit(id)
		}
	})
}

func (s *Static) Move(obj *vm.ManagedObject, from, to uint64) {
	s.moved.Add(1)
}

func (s *Static) Finalize(obj *vm.ManagedObject) {
	s.finalized.Add(1)
	if s.OnFinalize != nil {
		s.OnFinalize(obj)
	}
}

// Install registers d and s in table. Both registrations must succeed
// before the first allocation; a failure here is a startup error.
func Install(table *vm.OperatorTable, d *Dynamic, s *Static) error {
	if err := table.RegisterDynamic(d); err != nil {
		return err
	}
	return table.RegisterStatic(s)
}
