package vm

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// collectLoop is the heap's collector goroutine. It runs one cycle per
// pending request batch until the queue is closed.
func (h *Heap) collectLoop() {
	defer close(h.collector)
	for {
		p, seq := h.queue.next()
		if p == nil {
			return
		}

		c := &cycle{
			heap:  h,
			stats: &CycleStats{Seq: seq, Type: p.typ, Reason: p.reason, Started: time.Now()},
		}
		c.stats.Requests = p.requests

		var cleared []weakClear
		var err error
		if p.typ == GCFull {
			cleared, err = c.runStopTheWorld()
		} else {
			cleared, err = c.runConcurrent()
		}
		c.stats.Finished = time.Now()
		h.queue.complete()

		if err != nil {
			heapLog.Errorf("heap %s: cycle %d failed: %s", h.name, seq, err.Error())
			p.finish(nil, err)
			continue
		}

		c.stats.WeakCleared = len(cleared)
		runWeakFinalizers(cleared)

		h.cycles.Add(1)
		h.lastCycle.Store(c.stats)
		heapLog.Debugf("heap %s: cycle %d (%s/%s) marked %d swept %d moved %d freed %d bytes in %s",
			h.name, seq, p.typ, p.reason, c.stats.Marked, c.stats.Swept, c.stats.Moved,
			c.stats.FreedBytes, c.stats.Duration())

		p.finish(c.stats, nil)

		h.observersMu.RLock()
		observers := h.observers
		h.observersMu.RUnlock()
		for _, fn := range observers {
			fn(c.stats)
		}
	}
}

// cycle carries the state of one collection.
type cycle struct {
	heap  *Heap
	epoch uint64
	stats *CycleStats

	marked atomic.Int64

	foreignMu sync.Mutex
	foreign   map[ObjID]struct{}

	pauseStart time.Time
}

func (c *cycle) stop() {
	c.heap.stopTheWorld()
	c.pauseStart = time.Now()
}

func (c *cycle) start() {
	c.stats.Pause += time.Since(c.pauseStart)
	c.heap.startTheWorld()
}

// runStopTheWorld marks, compacts and sweeps in a single pause.
func (c *cycle) runStopTheWorld() ([]weakClear, error) {
	h := c.heap
	h.acquireReclaim()
	defer h.releaseReclaim()

	c.stop()
	defer c.start()

	c.epoch = h.epoch.Add(1)
	if err := c.drain(c.shadeRoots()); err != nil {
		return nil, err
	}

	h.queue.setPhase(PhaseMoving)
	if err := c.compact(); err != nil {
		return nil, err
	}

	h.queue.setPhase(PhaseSweeping)
	return c.sweep()
}

// runConcurrent snapshots roots in a short pause, marks alongside the
// mutators, then remarks, optionally compacts, and sweeps in a second
// pause.
func (c *cycle) runConcurrent() ([]weakClear, error) {
	h := c.heap

	c.stop()
	c.epoch = h.epoch.Add(1)
	h.marking.Store(true)
	wave := c.shadeRoots()
	c.start()

	if err := c.drain(wave); err != nil {
		h.marking.Store(false)
		return nil, err
	}

	h.acquireReclaim()
	defer h.releaseReclaim()

	c.stop()
	defer c.start()

	// Remark: roots may have changed and the barrier may have shaded
	// objects the concurrent pass never saw.
	wave = append(c.shadeRoots(), h.takeBarrierBuffer()...)
	err := c.drain(wave)
	h.marking.Store(false)
	if err != nil {
		return nil, err
	}

	if c.fragmented() {
		h.queue.setPhase(PhaseMoving)
		if err := c.compact(); err != nil {
			return nil, err
		}
	}

	h.queue.setPhase(PhaseSweeping)
	return c.sweep()
}

// shadeRoots shades every root and returns the ones this call turned gray.
func (c *cycle) shadeRoots() []*ManagedObject {
	h := c.heap
	var gray []*ManagedObject
	for _, id := range h.rootIDs() {
		obj, ok := h.objects.Load(id)
		if !ok {
			continue
		}
		if obj.shade(c.epoch) {
			gray = append(gray, obj)
		}
	}
	return gray
}

// drain scans gray objects in waves until no new object is shaded. Each
// wave is split across the configured mark workers.
func (c *cycle) drain(wave []*ManagedObject) error {
	h := c.heap
	workers := h.cfg.MarkWorkers
	for len(wave) > 0 {
		n := workers
		if n > len(wave) {
			n = len(wave)
		}
		chunk := (len(wave) + n - 1) / n
		next := make([][]*ManagedObject, n)

		var g errgroup.Group
		for w := 0; w < n; w++ {
			lo := w * chunk
			if lo >= len(wave) {
				break
			}
			hi := lo + chunk
			if hi > len(wave) {
				hi = len(wave)
			}
			w, part := w, wave[lo:hi]
			g.Go(func() error {
				out, err := c.scan(part)
				next[w] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		wave = wave[:0:0]
		for _, out := range next {
			wave = append(wave, out...)
		}
	}
	return nil
}

// scan blackens each object in part and returns the children it shaded.
func (c *cycle) scan(part []*ManagedObject) ([]*ManagedObject, error) {
	h := c.heap
	var out []*ManagedObject
	visit := func(id ObjID) {
		if id == 0 {
			return
		}
		child, ok := h.objects.Load(id)
		if ok && child.shade(c.epoch) {
			out = append(out, child)
		}
	}
	for _, obj := range part {
		ops, err := h.ops.mustLookup(obj.kind)
		if err != nil {
			return nil, err
		}
		ops.Scan(obj, visit)
		obj.blacken(c.epoch)
		c.marked.Add(1)
		if refs := obj.ForeignRefs(); len(refs) > 0 {
			c.noteForeign(refs)
		}
	}
	return out, nil
}

func (c *cycle) noteForeign(refs []ObjID) {
	c.foreignMu.Lock()
	defer c.foreignMu.Unlock()
	if c.foreign == nil {
		c.foreign = make(map[ObjID]struct{})
	}
	for _, id := range refs {
		c.foreign[id] = struct{}{}
	}
}

// liveObjects returns the objects that survived marking, in address order.
func (c *cycle) liveObjects() []*ManagedObject {
	var live []*ManagedObject
	c.heap.objects.Range(func(_ ObjID, obj *ManagedObject) bool {
		if obj.colorAt(c.epoch) == Black {
			live = append(live, obj)
		}
		return true
	})
	sort.Slice(live, func(i, j int) bool { return live[i].Addr() < live[j].Addr() })
	return live
}

// fragmented reports whether the bytes lost to garbage below the bump
// pointer exceed the compaction threshold.
func (c *cycle) fragmented() bool {
	h := c.heap
	var live uint64
	for _, obj := range c.liveObjects() {
		live += obj.size
	}
	top := h.top.Load()
	if top <= live {
		return false
	}
	return float64(top-live)/float64(h.region.Load()) >= h.cfg.CompactThreshold
}

// compact slides live objects to the start of the region. Must run with
// the world stopped.
func (c *cycle) compact() error {
	h := c.heap
	var next uint64
	for _, obj := range c.liveObjects() {
		from := obj.Addr()
		if from != next {
			ops, err := h.ops.mustLookup(obj.kind)
			if err != nil {
				return err
			}
			obj.forwarding.Store(next + 1)
			ops.Move(obj, from, next)
			obj.addr.Store(next)
			obj.forwarding.Store(0)
			c.stats.Moved++
		}
		next += obj.size
	}
	h.top.Store(next)
	c.stats.Compacted = true
	return nil
}

// sweep finalizes and removes every object left white. Must run with the
// world stopped.
func (c *cycle) sweep() ([]weakClear, error) {
	h := c.heap

	var dead []*ManagedObject
	var live uint64
	h.objects.Range(func(_ ObjID, obj *ManagedObject) bool {
		if obj.colorAt(c.epoch) == Black {
			live += obj.size
		} else {
			dead = append(dead, obj)
		}
		return true
	})

	var freed atomic.Uint64
	var g errgroup.Group
	g.SetLimit(h.cfg.MarkWorkers)
	for _, obj := range dead {
		obj := obj
		g.Go(func() error {
			ops, err := h.ops.mustLookup(obj.kind)
			if err != nil {
				return err
			}
			freed.Add(ops.Size(obj))
			ops.Finalize(obj)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	deadSet := make(map[*ManagedObject]struct{}, len(dead))
	for _, obj := range dead {
		obj.freed.Store(true)
		h.objects.Delete(obj.id)
		h.used.Add(^(obj.size - 1))
		deadSet[obj] = struct{}{}
	}
	cleared := h.weak.processSweep(deadSet)

	c.stats.Marked = int(c.marked.Load())
	c.stats.Swept = len(dead)
	c.stats.FreedBytes = freed.Load()
	c.stats.LiveBytes = live
	c.stats.ForeignRefs = sortedIDs(c.foreign)
	return cleared, nil
}
