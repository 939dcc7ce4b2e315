package vm

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/chazu/heapcoord/vm/wire"
)

// Snapshot stops the world and captures every live object and root of the
// heap. Objects are ordered by address.
func (h *Heap) Snapshot() (*wire.Snapshot, error) {
	if h.closing.Load() {
		return nil, fmt.Errorf("snapshot %s: %w", h.name, ErrUnsafeTraversal)
	}
	h.stopTheWorld()
	defer h.startTheWorld()
	if h.closing.Load() {
		return nil, fmt.Errorf("snapshot %s: %w", h.name, ErrUnsafeTraversal)
	}

	snap := &wire.Snapshot{
		Heap:       h.name,
		Taken:      time.Now().UnixNano(),
		RegionSize: h.region.Load(),
	}

	roots := make(map[ObjID]struct{})
	for _, id := range h.rootIDs() {
		roots[id] = struct{}{}
	}
	for _, id := range sortedIDs(roots) {
		snap.Roots = append(snap.Roots, uint64(id))
	}

	h.objects.Range(func(_ ObjID, obj *ManagedObject) bool {
		if obj.freed.Load() {
			return true
		}
		so := wire.SnapshotObject{
			ID:        uint64(obj.id),
			Kind:      uint8(obj.kind),
			SizeClass: obj.sizeClass,
			TypeID:    obj.typeID,
			Addr:      obj.Addr(),
			Size:      obj.size,
			Data:      obj.Data(),
		}
		if len(so.Data) == 0 {
			so.Data = nil
		}
		obj.VisitSlots(func(_ int, id ObjID) {
			so.Slots = append(so.Slots, uint64(id))
		})
		for _, id := range obj.ForeignRefs() {
			so.Foreign = append(so.Foreign, uint64(id))
		}
		snap.Objects = append(snap.Objects, so)
		return true
	})
	sort.Slice(snap.Objects, func(i, j int) bool { return snap.Objects[i].Addr < snap.Objects[j].Addr })
	return snap, nil
}

// WriteSnapshot captures a snapshot and encodes it to w.
func (h *Heap) WriteSnapshot(w io.Writer) error {
	snap, err := h.Snapshot()
	if err != nil {
		return err
	}
	heapLog.Debugf("heap %s: snapshot of %d objects, %d roots", h.name, len(snap.Objects), len(snap.Roots))
	return wire.EncodeSnapshot(w, snap)
}
