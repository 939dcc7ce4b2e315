package vm

import (
	"fmt"
	"sync/atomic"
)

// External root sources installed by the handshake.
const (
	// HostRootSource names the roots an embedded heap holds on behalf of
	// host objects.
	HostRootSource = "xgc.host"
	// EmbeddedRootSource names the roots a host heap holds on behalf of
	// embedded objects.
	EmbeddedRootSource = "xgc.embedded"
)

// HeapHost drives a *Heap as the host side of the handshake.
type HeapHost struct {
	heap     *Heap
	pausedBy atomic.Bool
}

// NewHeapHost wraps heap as a HostCollector.
func NewHeapHost(heap *Heap) *HeapHost {
	return &HeapHost{heap: heap}
}

func (h *HeapHost) Name() string    { return h.heap.Name() }
func (h *HeapHost) Reachable() bool { return !h.heap.Closed() }

// PauseAndReport holds back host reclaim, then traces the host graph for
// references into the embedded heap.
func (h *HeapHost) PauseAndReport() ([]ObjID, error) {
	if h.heap.Closed() {
		return nil, fmt.Errorf("%s: %w", h.heap.Name(), ErrHostUnreachable)
	}
	if h.pausedBy.CompareAndSwap(false, true) {
		h.heap.PauseReclaim()
	}
	refs, err := h.heap.ReachableForeignRefs()
	if err != nil {
		h.Abort()
		return nil, err
	}
	return refs, nil
}

func (h *HeapHost) CompleteHandshake(embeddedRefs []ObjID, collect bool) error {
	h.heap.SetExternalRoots(EmbeddedRootSource, embeddedRefs)
	h.Abort()
	if !collect {
		return nil
	}
	_, err := h.heap.RequestGCWithReason(GCAsync, ReasonCrossRuntime)
	return err
}

// Abort releases the reclaim pause taken by PauseAndReport, once.
func (h *HeapHost) Abort() {
	if h.pausedBy.CompareAndSwap(true, false) {
		h.heap.ResumeReclaim()
	}
}

func (h *HeapHost) CollectLocal(peerGone bool) (*CycleStats, error) {
	return collectLocal(h.heap, EmbeddedRootSource, peerGone)
}

// HeapEmbedded drives a *Heap as the embedded side of the handshake.
type HeapEmbedded struct {
	heap *Heap
}

// NewHeapEmbedded wraps heap as an EmbeddedCollector.
func NewHeapEmbedded(heap *Heap) *HeapEmbedded {
	return &HeapEmbedded{heap: heap}
}

func (e *HeapEmbedded) Name() string    { return e.heap.Name() }
func (e *HeapEmbedded) Reachable() bool { return !e.heap.Closed() }

// TraceFrom replaces the host-contributed roots with crossRoots and runs a
// FULL cycle, so the trace starts after the roots are in place.
func (e *HeapEmbedded) TraceFrom(crossRoots []ObjID) (*CycleStats, error) {
	e.heap.SetExternalRoots(HostRootSource, crossRoots)
	return e.heap.RequestGCWithReason(GCFull, ReasonCrossRuntime)
}

func (e *HeapEmbedded) CollectLocal(peerGone bool) (*CycleStats, error) {
	return collectLocal(e.heap, HostRootSource, peerGone)
}

// collectLocal runs a single-sided FULL cycle. Roots from a peer that is
// gone are dropped; roots from a peer that merely timed out are kept, since
// they are the last known cross references.
func collectLocal(h *Heap, peerSource string, peerGone bool) (*CycleStats, error) {
	if peerGone {
		h.SetExternalRoots(peerSource, nil)
	}
	return h.RequestGCWithReason(GCFull, ReasonCrossRuntime)
}
