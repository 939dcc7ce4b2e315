package vm

import (
	"sync"
	"sync/atomic"
)

// ObjID identifies a managed object within one heap. IDs are never reused.
type ObjID uint64

// Kind tags the object model that owns an object. The collector dispatches
// through the operator table on this tag.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindDynamic
	KindStatic
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindStatic:
		return "static"
	default:
		return "invalid"
	}
}

// MarkState is the tri-color state of an object in the current epoch.
type MarkState uint8

const (
	White MarkState = iota
	Gray
	Black
)

func (s MarkState) String() string {
	switch s {
	case Gray:
		return "gray"
	case Black:
		return "black"
	default:
		return "white"
	}
}

// ---------------------------------------------------------------------------
// Mark word
// ---------------------------------------------------------------------------

// The mark word packs the collection epoch with the color:
//
//	epoch<<2 | color
//
// A word from an older epoch reads as White, so bumping the heap epoch
// whitens every object at once. Within an epoch the word only moves
// forward (White -> Gray -> Black), so Black never reverts.
const (
	colorBits = 2
	colorMask = 1<<colorBits - 1
)

func packMark(epoch uint64, c MarkState) uint64 {
	return epoch<<colorBits | uint64(c)
}

// ---------------------------------------------------------------------------
// ManagedObject
// ---------------------------------------------------------------------------

// headerSize is the fixed per-object header charged against the region.
const headerSize = 16

// slotSize is the region cost of one reference slot.
const slotSize = 8

// ManagedObject is the header every object in the heap carries, followed by
// its payload. The header fields are immutable once the object has been
// published to the heap; the payload is guarded by mu.
type ManagedObject struct {
	id        ObjID
	kind      Kind
	sizeClass uint8
	typeID    uint32
	size      uint64

	mark       atomic.Uint64
	addr       atomic.Uint64
	forwarding atomic.Uint64 // new offset + 1 while moving, 0 otherwise
	freed      atomic.Bool

	mu      sync.RWMutex
	slots   []ObjID
	data    []byte
	foreign []ObjID
}

// ID returns the object's identifier.
func (o *ManagedObject) ID() ObjID { return o.id }

// Kind returns the object model tag.
func (o *ManagedObject) Kind() Kind { return o.kind }

// SizeClass returns the allocation size class (0 for large objects).
func (o *ManagedObject) SizeClass() uint8 { return o.sizeClass }

// Size returns the number of region bytes reserved for the object.
func (o *ManagedObject) Size() uint64 { return o.size }

// TypeID returns the static layout id. Dynamic objects report 0.
func (o *ManagedObject) TypeID() uint32 { return o.typeID }

// Addr returns the object's current offset in the heap region.
func (o *ManagedObject) Addr() uint64 { return o.addr.Load() }

// Forwarding returns the destination offset while the object is being
// moved.
func (o *ManagedObject) Forwarding() (uint64, bool) {
	f := o.forwarding.Load()
	if f == 0 {
		return 0, false
	}
	return f - 1, true
}

// Freed reports whether the object has been reclaimed.
func (o *ManagedObject) Freed() bool { return o.freed.Load() }

// NumSlots returns the number of reference slots.
func (o *ManagedObject) NumSlots() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.slots)
}

// Slot returns the reference stored in slot i (0 when empty).
func (o *ManagedObject) Slot(i int) (ObjID, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if i < 0 || i >= len(o.slots) {
		return 0, ErrSlotOutOfRange
	}
	return o.slots[i], nil
}

// VisitSlots calls fn for every slot while holding the payload read lock.
// fn must not write to the object.
func (o *ManagedObject) VisitSlots(fn func(i int, id ObjID)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for i, id := range o.slots {
		fn(i, id)
	}
}

// Data returns a copy of the object's raw payload.
func (o *ManagedObject) Data() []byte {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]byte, len(o.data))
	copy(out, o.data)
	return out
}

// ForeignRefs returns a copy of the object's cross-boundary references
// into the other runtime's heap.
func (o *ManagedObject) ForeignRefs() []ObjID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.foreign) == 0 {
		return nil
	}
	out := make([]ObjID, len(o.foreign))
	copy(out, o.foreign)
	return out
}

// colorAt returns the object's color as seen in the given epoch.
func (o *ManagedObject) colorAt(epoch uint64) MarkState {
	w := o.mark.Load()
	if w>>colorBits != epoch {
		return White
	}
	return MarkState(w & colorMask)
}

// shade moves a White object to Gray. It reports whether this call did the
// transition; exactly one caller wins, and that caller owns scanning it.
func (o *ManagedObject) shade(epoch uint64) bool {
	for {
		w := o.mark.Load()
		if w>>colorBits == epoch {
			return false
		}
		if o.mark.CompareAndSwap(w, packMark(epoch, Gray)) {
			return true
		}
	}
}

// blacken marks the object fully scanned in epoch.
func (o *ManagedObject) blacken(epoch uint64) {
	for {
		w := o.mark.Load()
		if w == packMark(epoch, Black) {
			return
		}
		if o.mark.CompareAndSwap(w, packMark(epoch, Black)) {
			return
		}
	}
}
