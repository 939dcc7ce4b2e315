package vm

import (
	"fmt"
	"sync/atomic"
)

// ObjectOperators is the operator bundle one object model registers with
// the heap. The collector never calls methods on objects directly; it
// dispatches through the table on the object's Kind.
type ObjectOperators interface {
	// Size reports the number of live bytes the object accounts for.
	Size(obj *ManagedObject) uint64
	// Scan calls visit for every reference the object holds into its
	// own heap.
	Scan(obj *ManagedObject, visit func(ObjID))
	// Move is called while the object is relocated from one region offset
	// to another. The object's Forwarding reports the destination.
	Move(obj *ManagedObject, from, to uint64)
	// Finalize is called once, under stop-the-world, before the object is
	// reclaimed.
	Finalize(obj *ManagedObject)
}

type operatorSlot struct {
	ops ObjectOperators
}

// OperatorTable holds exactly two write-once operator slots, one per
// cooperating object model. Reads are lock-free.
type OperatorTable struct {
	slots  [kindCount]atomic.Pointer[operatorSlot]
	sealed atomic.Bool
}

// NewOperatorTable creates an empty, unsealed table.
func NewOperatorTable() *OperatorTable {
	return &OperatorTable{}
}

// RegisterDynamic installs the operators of the dynamic object model.
func (t *OperatorTable) RegisterDynamic(ops ObjectOperators) error {
	return t.register(KindDynamic, ops)
}

// RegisterStatic installs the operators of the static object model.
func (t *OperatorTable) RegisterStatic(ops ObjectOperators) error {
	return t.register(KindStatic, ops)
}

func (t *OperatorTable) register(kind Kind, ops ObjectOperators) error {
	if ops == nil {
		return fmt.Errorf("register %s operators: nil bundle", kind)
	}
	if t.sealed.Load() {
		return fmt.Errorf("register %s operators: %w", kind, ErrRegistrationClosed)
	}
	if !t.slots[kind].CompareAndSwap(nil, &operatorSlot{ops: ops}) {
		return fmt.Errorf("register %s operators: %w", kind, ErrDoubleRegistration)
	}
	return nil
}

// Lookup returns the operators registered for kind.
func (t *OperatorTable) Lookup(kind Kind) (ObjectOperators, bool) {
	if kind == KindInvalid || kind >= kindCount {
		return nil, false
	}
	s := t.slots[kind].Load()
	if s == nil {
		return nil, false
	}
	return s.ops, true
}

// Seal closes the table for registration. The heap seals its table on the
// first allocation; once a collector can scan, the binding must be stable.
func (t *OperatorTable) Seal() {
	t.sealed.Store(true)
}

// Sealed reports whether registration is closed.
func (t *OperatorTable) Sealed() bool {
	return t.sealed.Load()
}

func (t *OperatorTable) mustLookup(kind Kind) (ObjectOperators, error) {
	ops, ok := t.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrOperatorsMissing)
	}
	return ops, nil
}
