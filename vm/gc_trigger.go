package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// GCTrigger: Periodic occupancy check that requests collections
// ---------------------------------------------------------------------------

// TriggerCheck records the outcome of a single occupancy check.
type TriggerCheck struct {
	Occupancy float64
	Requested bool
	Err       error
	Timestamp time.Time
}

// GCTrigger polls a heap's occupancy and issues an ASYNC request tagged
// ReasonHeapThreshold whenever the bump pointer crosses the configured
// fraction of the region. Requests coalesce in the heap, so a slow cycle
// is never stacked.
type GCTrigger struct {
	heap      *Heap
	interval  time.Duration
	threshold float64
	enabled   atomic.Bool
	stop      chan struct{}
	stopped   chan struct{}
	mu        sync.Mutex // guards stop and stopped

	checkCount   atomic.Uint64
	requestCount atomic.Uint64
	lastCheck    atomic.Pointer[TriggerCheck]
}

// NewGCTrigger creates a trigger for heap. Zero fields of cfg take their
// defaults.
func NewGCTrigger(heap *Heap, cfg TriggerConfig) *GCTrigger {
	d := DefaultTriggerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.OccupancyThreshold <= 0 || cfg.OccupancyThreshold > 1 {
		cfg.OccupancyThreshold = d.OccupancyThreshold
	}
	t := &GCTrigger{
		heap:      heap,
		interval:  cfg.Interval,
		threshold: cfg.OccupancyThreshold,
	}
	t.enabled.Store(true)
	return t
}

// Start launches the polling loop. A trigger that is already polling is
// left alone.
func (t *GCTrigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop, t.stopped = make(chan struct{}), make(chan struct{})
	go t.loop(t.stop, t.stopped)
}

// Stop ends the polling loop and returns once its last check is done.
// Stopping an idle trigger does nothing.
func (t *GCTrigger) Stop() {
	t.mu.Lock()
	stop, stopped := t.stop, t.stopped
	t.stop, t.stopped = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// SetEnabled turns occupancy checks on or off without stopping the loop.
func (t *GCTrigger) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// IsEnabled reports whether ticks run a check.
func (t *GCTrigger) IsEnabled() bool {
	return t.enabled.Load()
}

// Interval is the time between checks.
func (t *GCTrigger) Interval() time.Duration {
	return t.interval
}

// Threshold returns the occupancy fraction that requests a cycle.
func (t *GCTrigger) Threshold() float64 {
	return t.threshold
}

// CheckCount returns the number of checks performed.
func (t *GCTrigger) CheckCount() uint64 {
	return t.checkCount.Load()
}

// RequestCount returns the number of collection requests issued.
func (t *GCTrigger) RequestCount() uint64 {
	return t.requestCount.Load()
}

// LastCheck returns the most recent check, or nil if none ran yet.
func (t *GCTrigger) LastCheck() *TriggerCheck {
	return t.lastCheck.Load()
}

// CheckNow performs an immediate check regardless of the timer.
func (t *GCTrigger) CheckNow() *TriggerCheck {
	return t.check()
}

// loop ticks until stop closes. The channels are passed in because Stop
// clears the fields before waiting.
func (t *GCTrigger) loop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.IsEnabled() {
				t.check()
			}
		}
	}
}

func (t *GCTrigger) check() *TriggerCheck {
	c := &TriggerCheck{
		Occupancy: t.heap.Stats().Occupancy(),
		Timestamp: time.Now(),
	}
	if c.Occupancy >= t.threshold {
		_, c.Err = t.heap.RequestGCWithReason(GCAsync, ReasonHeapThreshold)
		if c.Err == nil {
			c.Requested = true
			t.requestCount.Add(1)
			triggerLog.Debugf("heap %s: occupancy %.2f >= %.2f, requested async gc",
				t.heap.Name(), c.Occupancy, t.threshold)
		} else {
			triggerLog.Warningf("heap %s: gc request failed: %s", t.heap.Name(), c.Err.Error())
		}
	}
	t.checkCount.Add(1)
	t.lastCheck.Store(c)
	return c
}
