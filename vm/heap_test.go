package vm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// waitPending blocks until the queued follow-up cycle has absorbed n
// requests.
func waitPending(t *testing.T, h *Heap, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.queue.mu.Lock()
		got := 0
		if h.queue.pending != nil {
			got = h.queue.pending.requests
		}
		h.queue.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending cycle never reached %d requests", n)
}

// blockOnScan makes the first scan of target park until release is closed.
// entered is closed once the collector is parked.
func blockOnScan(ops *testOps, target ObjID) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	ops.setScanHook(func(obj *ManagedObject) {
		if obj.ID() != target {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	return entered, release
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func TestHeapAllocate(t *testing.T) {
	h, _ := newTestHeap(t, "alloc", HeapConfig{})
	m := attach(t, h, "main")

	child := mustAlloc(t, m, 8)
	obj := mustAlloc(t, m, 24, child, nil)

	if obj.Kind() != KindDynamic {
		t.Errorf("Kind = %v, want dynamic", obj.Kind())
	}
	if obj.NumSlots() != 2 {
		t.Fatalf("NumSlots = %d, want 2", obj.NumSlots())
	}
	if id, _ := obj.Slot(0); id != child.ID() {
		t.Errorf("slot 0 = %d, want %d", id, child.ID())
	}
	if id, _ := obj.Slot(1); id != 0 {
		t.Errorf("slot 1 = %d, want empty", id)
	}
	if _, err := obj.Slot(2); !errors.Is(err, ErrSlotOutOfRange) {
		t.Errorf("Slot(2) error = %v, want ErrSlotOutOfRange", err)
	}

	_, want := SizeToClass(objectBytes(24, 2))
	if obj.Size() != want {
		t.Errorf("Size = %d, want %d", obj.Size(), want)
	}
	if obj.Addr() != child.Size() {
		t.Errorf("Addr = %d, want %d (bump after first object)", obj.Addr(), child.Size())
	}
	if !h.Operators().Sealed() {
		t.Error("operator table should be sealed after the first allocation")
	}
	if m.Pinned() != 2 {
		t.Errorf("Pinned = %d, want 2", m.Pinned())
	}

	stats := h.Stats()
	if stats.Objects != 2 {
		t.Errorf("Objects = %d, want 2", stats.Objects)
	}
	if stats.UsedBytes != obj.Size()+child.Size() {
		t.Errorf("UsedBytes = %d, want %d", stats.UsedBytes, obj.Size()+child.Size())
	}
}

func TestHeapAllocateInvalidKind(t *testing.T) {
	h, _ := newTestHeap(t, "kind", HeapConfig{})
	m := attach(t, h, "main")

	if _, err := m.Allocate(KindInvalid, 8); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Allocate(KindInvalid) = %v, want ErrInvalidKind", err)
	}
}

func TestHeapAllocateMissingOperators(t *testing.T) {
	table := NewOperatorTable()
	if err := table.RegisterDynamic(&testOps{}); err != nil {
		t.Fatal(err)
	}
	h := NewHeap("missing", table, HeapConfig{})
	defer h.Shutdown()
	m := attach(t, h, "main")

	if _, err := m.AllocateStatic(1, 8); !errors.Is(err, ErrOperatorsMissing) {
		t.Errorf("AllocateStatic without static operators = %v, want ErrOperatorsMissing", err)
	}
}

func TestHeapWriteSlotForeignObject(t *testing.T) {
	h1, _ := newTestHeap(t, "one", HeapConfig{})
	h2, _ := newTestHeap(t, "two", HeapConfig{})
	m1 := attach(t, h1, "m1")
	m2 := attach(t, h2, "m2")

	a := mustAlloc(t, m1, 0, nil)
	b := mustAlloc(t, m2, 0)

	if err := m1.WriteSlot(a, 0, b); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("WriteSlot across heaps = %v, want ErrUnknownObject", err)
	}
	if err := m1.WriteSlot(a, 3, nil); !errors.Is(err, ErrSlotOutOfRange) {
		t.Errorf("WriteSlot(3) = %v, want ErrSlotOutOfRange", err)
	}
}

func TestHeapRegionGrowth(t *testing.T) {
	h, _ := newTestHeap(t, "grow", HeapConfig{RegionSize: 1024, MaxRegionSize: 4096})
	m := attach(t, h, "main")

	if got := h.GetRegionSize(); got != 1024 {
		t.Fatalf("GetRegionSize = %d, want 1024", got)
	}

	var err error
	for i := 0; i < 5; i++ {
		if _, err = m.Allocate(KindDynamic, 200); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
	if got := h.GetRegionSize(); got != 2048 {
		t.Errorf("GetRegionSize after growth = %d, want 2048", got)
	}
	if last := h.Stats().LastCycle; last == nil || last.Reason != ReasonAllocationFailed || last.Type != GCFull {
		t.Errorf("LastCycle = %+v, want a FULL cycle for an allocation failure", last)
	}

	for i := 0; i < 30 && err == nil; i++ {
		_, err = m.Allocate(KindDynamic, 200)
	}
	if !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("Allocate past the ceiling = %v, want ErrHeapExhausted", err)
	}
	if got := h.GetRegionSize(); got != 4096 {
		t.Errorf("GetRegionSize at ceiling = %d, want 4096", got)
	}
}

func TestHeapAllocationFailureReclaims(t *testing.T) {
	h, ops := newTestHeap(t, "reclaim", HeapConfig{RegionSize: 1024, MaxRegionSize: 1024})
	m := attach(t, h, "main")

	for i := 0; i < 20; i++ {
		obj, err := m.Allocate(KindDynamic, 200)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		m.Unpin(obj)
	}
	if ops.finalized.Load() == 0 {
		t.Error("expected garbage to be reclaimed by allocation-failure collections")
	}
	if got := h.GetRegionSize(); got != 1024 {
		t.Errorf("GetRegionSize = %d, want 1024 (no growth needed)", got)
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

func TestHeapSweepUnreachable(t *testing.T) {
	h, ops := newTestHeap(t, "sweep", HeapConfig{})
	m := attach(t, h, "main")

	leaf := mustAlloc(t, m, 8)
	root := mustAlloc(t, m, 8, leaf)
	garbage := mustAlloc(t, m, 8)

	if err := h.AddRoot(root); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	m.UnpinAll()

	stats, err := h.RequestGC(GCSync)
	if err != nil {
		t.Fatalf("RequestGC: %v", err)
	}
	if stats.Swept != 1 {
		t.Errorf("Swept = %d, want 1", stats.Swept)
	}
	if stats.Marked != 2 {
		t.Errorf("Marked = %d, want 2", stats.Marked)
	}
	if !ops.wasFinalized(garbage.ID()) {
		t.Error("garbage object was not finalized")
	}
	if !garbage.Freed() {
		t.Error("garbage object should be marked freed")
	}
	if _, ok := h.Lookup(leaf.ID()); !ok {
		t.Error("leaf reachable from a root was collected")
	}
	if h.MarkState(root) != Black {
		t.Errorf("root MarkState = %v, want black until the next epoch", h.MarkState(root))
	}

	h.RemoveRoot(root)
	stats, err = h.RequestGC(GCFull)
	if err != nil {
		t.Fatalf("RequestGC(FULL): %v", err)
	}
	if stats.Swept != 2 {
		t.Errorf("Swept after RemoveRoot = %d, want 2", stats.Swept)
	}
	if h.Stats().Objects != 0 {
		t.Errorf("Objects = %d, want 0", h.Stats().Objects)
	}
}

func TestHeapFullSeesPriorWrites(t *testing.T) {
	h, ops := newTestHeap(t, "full", HeapConfig{})
	m := attach(t, h, "main")

	holder := mustAlloc(t, m, 0, nil)
	target := mustAlloc(t, m, 16)
	if err := m.WriteSlot(holder, 0, target); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}
	m.Unpin(target)

	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatalf("RequestGC: %v", err)
	}
	if ops.wasFinalized(target.ID()) {
		t.Fatal("target reachable through a completed write was collected")
	}

	if err := m.WriteSlot(holder, 0, nil); err != nil {
		t.Fatalf("WriteSlot(nil): %v", err)
	}
	stats, err := h.RequestGC(GCFull)
	if err != nil {
		t.Fatalf("RequestGC: %v", err)
	}
	if !ops.wasFinalized(target.ID()) {
		t.Error("target unreachable after a completed write survived a FULL cycle")
	}
	if stats.Type != GCFull || !stats.Compacted {
		t.Errorf("stats = %+v, want a compacting FULL cycle", stats)
	}
}

func TestHeapAsyncCoalescing(t *testing.T) {
	h, ops := newTestHeap(t, "coalesce", HeapConfig{})
	m := attach(t, h, "main")
	root := mustAlloc(t, m, 8)

	entered, release := blockOnScan(ops, root.ID())
	if _, err := h.RequestGC(GCAsync); err != nil {
		t.Fatalf("RequestGC(ASYNC): %v", err)
	}
	<-entered

	if got := h.Phase(); got != PhaseMarking {
		t.Errorf("Phase = %v, want marking", got)
	}
	for i := 0; i < 10; i++ {
		if _, err := h.RequestGC(GCAsync); err != nil {
			t.Fatalf("RequestGC(ASYNC) #%d: %v", i, err)
		}
	}

	type result struct {
		stats *CycleStats
		err   error
	}
	done := make(chan result)
	go func() {
		stats, err := h.RequestGC(GCSync)
		done <- result{stats, err}
	}()
	waitPending(t, h, 11)
	close(release)

	res := <-done
	stats, err := res.stats, res.err
	if err != nil {
		t.Fatalf("RequestGC(SYNC): %v", err)
	}
	if stats.Seq != 2 {
		t.Errorf("Seq = %d, want 2", stats.Seq)
	}
	if stats.Requests != 11 {
		t.Errorf("Requests = %d, want 11", stats.Requests)
	}
	if got := h.Stats().Cycles; got != 2 {
		t.Errorf("Cycles = %d, want exactly one follow-up cycle", got)
	}
}

func TestHeapConcurrentFullShareCycle(t *testing.T) {
	h, ops := newTestHeap(t, "shared", HeapConfig{})
	m := attach(t, h, "main")
	root := mustAlloc(t, m, 8)

	entered, release := blockOnScan(ops, root.ID())
	if _, err := h.RequestGC(GCAsync); err != nil {
		t.Fatal(err)
	}
	<-entered

	results := make([]*CycleStats, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := h.RequestGC(GCFull)
			if err != nil {
				t.Errorf("RequestGC(FULL): %v", err)
			}
			results[i] = stats
		}(i)
	}

	waitPending(t, h, 2)
	close(release)
	wg.Wait()

	if results[0] == nil || results[0] != results[1] {
		t.Fatalf("FULL callers got different cycles: %+v / %+v", results[0], results[1])
	}
	if results[0].Type != GCFull || results[0].Requests != 2 {
		t.Errorf("shared cycle = %+v, want FULL with 2 requests", results[0])
	}
	if got := h.Stats().Cycles; got != 2 {
		t.Errorf("Cycles = %d, want 2", got)
	}
}

func TestHeapPendingUpgradedToFull(t *testing.T) {
	h, ops := newTestHeap(t, "upgrade", HeapConfig{})
	m := attach(t, h, "main")
	root := mustAlloc(t, m, 8)

	entered, release := blockOnScan(ops, root.ID())
	if _, err := h.RequestGC(GCAsync); err != nil {
		t.Fatal(err)
	}
	<-entered
	if _, err := h.RequestGCWithReason(GCAsync, ReasonHeapThreshold); err != nil {
		t.Fatal(err)
	}

	done := make(chan *CycleStats)
	go func() {
		stats, _ := h.RequestGCWithReason(GCFull, ReasonAllocationFailed)
		done <- stats
	}()
	waitPending(t, h, 2)
	close(release)

	stats := <-done
	if stats == nil || stats.Type != GCFull {
		t.Fatalf("stats = %+v, want the pending cycle upgraded to FULL", stats)
	}
	if stats.Reason != ReasonAllocationFailed {
		t.Errorf("Reason = %v, want the upgrading request's reason", stats.Reason)
	}
}

func TestHeapWriteBarrier(t *testing.T) {
	h, ops := newTestHeap(t, "barrier", HeapConfig{MarkWorkers: 1})
	m := attach(t, h, "main")

	y := mustAlloc(t, m, 8)
	x := mustAlloc(t, m, 8, y)
	r := mustAlloc(t, m, 8, x, nil)
	if err := h.AddRoot(r); err != nil {
		t.Fatal(err)
	}
	m.UnpinAll()

	entered, release := blockOnScan(ops, x.ID())
	done := make(chan *CycleStats)
	go func() {
		stats, err := h.RequestGC(GCSync)
		if err != nil {
			t.Errorf("RequestGC: %v", err)
		}
		done <- stats
	}()
	<-entered

	// r is already black; move y behind it and cut the path through x.
	if err := m.WriteSlot(r, 1, y); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}
	if err := m.WriteSlot(x, 0, nil); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}

	born, err := m.Allocate(KindDynamic, 8)
	if err != nil {
		t.Fatalf("Allocate during marking: %v", err)
	}
	if h.MarkState(born) != Black {
		t.Errorf("object allocated while marking is %v, want black", h.MarkState(born))
	}
	m.Unpin(born)

	close(release)
	<-done

	if ops.wasFinalized(y.ID()) {
		t.Fatal("y was stored behind a black object during marking and got collected")
	}
	if _, ok := h.Lookup(y.ID()); !ok {
		t.Error("y missing from the heap")
	}

	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatal(err)
	}
	if !ops.wasFinalized(born.ID()) {
		t.Error("unreachable object allocated black should be collected by the next cycle")
	}
	if ops.wasFinalized(y.ID()) {
		t.Error("y is still reachable from the root")
	}
}

func TestHeapCompaction(t *testing.T) {
	h, ops := newTestHeap(t, "compact", HeapConfig{})
	m := attach(t, h, "main")

	a := mustAlloc(t, m, 8)
	b := mustAlloc(t, m, 8)
	c := mustAlloc(t, m, 8)
	m.Unpin(b)

	stats, err := h.RequestGC(GCFull)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Moved != 1 || ops.moved.Load() != 1 {
		t.Errorf("Moved = %d (ops %d), want 1", stats.Moved, ops.moved.Load())
	}
	if c.Addr() != a.Size() {
		t.Errorf("c.Addr = %d, want %d", c.Addr(), a.Size())
	}
	if _, moving := c.Forwarding(); moving {
		t.Error("forwarding should be cleared once the move commits")
	}
	if got := h.Stats().TopBytes; got != a.Size()+c.Size() {
		t.Errorf("TopBytes = %d, want %d", got, a.Size()+c.Size())
	}
}

func TestHeapExternalRoots(t *testing.T) {
	h, ops := newTestHeap(t, "external", HeapConfig{})
	m := attach(t, h, "main")

	obj := mustAlloc(t, m, 8)
	m.UnpinAll()
	h.SetExternalRoots("peer", []ObjID{obj.ID()})

	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatal(err)
	}
	if ops.wasFinalized(obj.ID()) {
		t.Fatal("externally rooted object was collected")
	}
	if got := h.ExternalRoots("peer"); len(got) != 1 || got[0] != obj.ID() {
		t.Errorf("ExternalRoots = %v", got)
	}

	h.SetExternalRoots("peer", nil)
	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatal(err)
	}
	if !ops.wasFinalized(obj.ID()) {
		t.Error("object should be collected once its external root is dropped")
	}
}

// A mutator that is mid-section when the report pauses the world can still
// pin a new object; its foreign references must be reported.
func TestHeapReachableForeignRefsSeesLatePin(t *testing.T) {
	h, _ := newTestHeap(t, "late-pin", HeapConfig{})
	m := attach(t, h, "main")

	if err := m.enter(); err != nil {
		t.Fatal(err)
	}
	type result struct {
		refs []ObjID
		err  error
	}
	done := make(chan result, 1)
	go func() {
		refs, err := h.ReachableForeignRefs()
		done <- result{refs, err}
	}()
	time.Sleep(50 * time.Millisecond)

	obj, ok, err := h.allocate(allocRequest{kind: KindDynamic, dataSize: 8})
	if err != nil || !ok {
		h.exit()
		t.Fatalf("allocate: ok=%v err=%v", ok, err)
	}
	m.pin(obj.ID())
	obj.mu.Lock()
	obj.foreign = append(obj.foreign, 4242)
	obj.mu.Unlock()
	h.exit()

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if len(res.refs) != 1 || res.refs[0] != 4242 {
		t.Errorf("ReachableForeignRefs = %v, want [4242]", res.refs)
	}
}

func TestHeapReachableForeignRefs(t *testing.T) {
	h, _ := newTestHeap(t, "foreign", HeapConfig{})
	m := attach(t, h, "main")

	live := mustAlloc(t, m, 8)
	dead := mustAlloc(t, m, 8)
	if err := m.WriteForeign(live, 42); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteForeign(live, 42); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteForeign(dead, 7); err != nil {
		t.Fatal(err)
	}
	m.Unpin(dead)

	refs, err := h.ReachableForeignRefs()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0] != 42 {
		t.Errorf("ReachableForeignRefs = %v, want [42]", refs)
	}

	stats, err := h.RequestGC(GCSync)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.ForeignRefs) != 1 || stats.ForeignRefs[0] != 42 {
		t.Errorf("cycle ForeignRefs = %v, want [42]", stats.ForeignRefs)
	}
}

func TestHeapReclaimPause(t *testing.T) {
	h, ops := newTestHeap(t, "pause", HeapConfig{})
	m := attach(t, h, "main")

	obj := mustAlloc(t, m, 8)
	m.Unpin(obj)

	h.PauseReclaim()
	if !h.ReclaimPaused() {
		t.Fatal("ReclaimPaused = false after PauseReclaim")
	}

	done := make(chan struct{})
	go func() {
		h.RequestGC(GCFull)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("FULL cycle completed while reclaim was paused")
	case <-time.After(50 * time.Millisecond):
	}
	if ops.wasFinalized(obj.ID()) {
		t.Fatal("object swept while reclaim was paused")
	}

	h.ResumeReclaim()
	<-done
	if !ops.wasFinalized(obj.ID()) {
		t.Error("object not swept after ResumeReclaim")
	}
}

func TestHeapShutdownReleasesReclaimWaiters(t *testing.T) {
	for i := 0; i < 20; i++ {
		h, _ := newTestHeap(t, "pause-shutdown", HeapConfig{})
		h.PauseReclaim()

		done := make(chan struct{})
		go func() {
			h.acquireReclaim()
			h.releaseReclaim()
			close(done)
		}()
		if i%2 == 0 {
			time.Sleep(time.Millisecond)
		}
		h.Shutdown()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: reclaim waiter still parked after Shutdown", i)
		}
	}
}

func TestHeapOnCycle(t *testing.T) {
	h, _ := newTestHeap(t, "observe", HeapConfig{})

	seen := make(chan *CycleStats, 1)
	h.OnCycle(func(s *CycleStats) { seen <- s })

	stats, err := h.RequestGC(GCSync)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-seen:
		if got != stats {
			t.Errorf("observer got %+v, want %+v", got, stats)
		}
	case <-time.After(time.Second):
		t.Fatal("observer was not called")
	}
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

func TestForEachObjSafeDuringAllocation(t *testing.T) {
	h, _ := newTestHeap(t, "walk", HeapConfig{RegionSize: 16 << 20, MaxRegionSize: 16 << 20})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		m := attach(t, h, "alloc")
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev *ManagedObject
			for n := 0; n < 500; n++ {
				select {
				case <-stop:
					return
				default:
				}
				obj, err := m.Allocate(KindDynamic, n%64, prev)
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				prev = obj
			}
		}()
	}

	for i := 0; i < 50; i++ {
		ok := h.ForEachObj(func(obj *ManagedObject) {
			if obj.Kind() != KindDynamic {
				t.Errorf("object %d has kind %v", obj.ID(), obj.Kind())
			}
			if obj.SizeClass() == 0 || obj.SizeClass() >= NumSizeClasses {
				t.Errorf("object %d has size class %d", obj.ID(), obj.SizeClass())
			}
			if obj.Size() != ClassToSize(obj.SizeClass()) {
				t.Errorf("object %d size %d does not match its class", obj.ID(), obj.Size())
			}
		}, true)
		if !ok {
			t.Fatal("ForEachObj returned false on a live heap")
		}
	}
	close(stop)
	wg.Wait()
}

func TestForEachObjAfterShutdown(t *testing.T) {
	h, _ := newTestHeap(t, "closed", HeapConfig{})
	m := attach(t, h, "main")
	mustAlloc(t, m, 8)

	h.Shutdown()

	if h.ForEachObj(func(*ManagedObject) {}, true) {
		t.Error("ForEachObj(safe) should return false after shutdown")
	}
	if h.ForEachObj(func(*ManagedObject) {}, false) {
		t.Error("ForEachObj(unsafe) should return false after shutdown")
	}
	if err := h.Walk(func(*ManagedObject) {}, true); !errors.Is(err, ErrUnsafeTraversal) {
		t.Errorf("Walk = %v, want ErrUnsafeTraversal", err)
	}
	if _, err := h.RequestGC(GCSync); !errors.Is(err, ErrHeapShutdown) {
		t.Errorf("RequestGC = %v, want ErrHeapShutdown", err)
	}
	if _, err := m.Allocate(KindDynamic, 8); !errors.Is(err, ErrHeapShutdown) {
		t.Errorf("Allocate = %v, want ErrHeapShutdown", err)
	}
	if _, err := h.AttachMutator("late"); !errors.Is(err, ErrHeapShutdown) {
		t.Errorf("AttachMutator = %v, want ErrHeapShutdown", err)
	}
	if got := h.GetRegionSize(); got != DefaultRegionSize {
		t.Errorf("GetRegionSize after shutdown = %d, want %d", got, DefaultRegionSize)
	}
}

func TestMutatorDetach(t *testing.T) {
	h, ops := newTestHeap(t, "detach", HeapConfig{})
	m := attach(t, h, "main")
	obj := mustAlloc(t, m, 8)

	m.Detach()
	m.Detach()
	if h.MutatorCount() != 0 {
		t.Errorf("MutatorCount = %d, want 0", h.MutatorCount())
	}
	if _, err := m.Allocate(KindDynamic, 8); !errors.Is(err, ErrMutatorDetached) {
		t.Errorf("Allocate after Detach = %v, want ErrMutatorDetached", err)
	}

	if _, err := h.RequestGC(GCFull); err != nil {
		t.Fatal(err)
	}
	if !ops.wasFinalized(obj.ID()) {
		t.Error("pins of a detached mutator should not keep objects alive")
	}
}

func TestSampleStacks(t *testing.T) {
	h, _ := newTestHeap(t, "stacks", HeapConfig{})
	a := attach(t, h, "a")
	b := attach(t, h, "b")

	a.Enter("main")
	a.Enter("loop")
	b.Enter("idle")
	b.Leave()

	samples := h.SampleStacks()
	if len(samples) != 1 {
		t.Fatalf("SampleStacks = %+v, want one active mutator", samples)
	}
	if samples[0].Mutator != "a" || len(samples[0].Frames) != 2 || samples[0].Frames[1] != "loop" {
		t.Errorf("sample = %+v", samples[0])
	}
}
