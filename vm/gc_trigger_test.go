package vm

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// GCTrigger Unit Tests
// ---------------------------------------------------------------------------

// fillHeap pins allocations until the region is at least frac occupied.
func fillHeap(t *testing.T, h *Heap, m *Mutator, frac float64) {
	t.Helper()
	for h.Stats().Occupancy() < frac {
		mustAlloc(t, m, 200)
	}
}

func TestGCTriggerDefaults(t *testing.T) {
	h, _ := newTestHeap(t, "defaults", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{OccupancyThreshold: 3})

	if trig.Interval() != DefaultTriggerInterval {
		t.Errorf("Interval = %v, want %v", trig.Interval(), DefaultTriggerInterval)
	}
	if trig.Threshold() != DefaultTriggerConfig().OccupancyThreshold {
		t.Errorf("Threshold = %v, want the default for an out-of-range value", trig.Threshold())
	}
	if !trig.IsEnabled() {
		t.Error("trigger should be enabled by default")
	}
	if trig.LastCheck() != nil {
		t.Error("LastCheck should be nil before any check")
	}
}

// TestGCTriggerBelowThreshold verifies that a lightly used heap is left
// alone.
func TestGCTriggerBelowThreshold(t *testing.T) {
	h, _ := newTestHeap(t, "idle", HeapConfig{RegionSize: 1024})
	trig := NewGCTrigger(h, TriggerConfig{OccupancyThreshold: 0.75})

	c := trig.CheckNow()
	if c.Requested {
		t.Errorf("check on an empty heap requested a cycle (occupancy %.2f)", c.Occupancy)
	}
	if trig.CheckCount() != 1 {
		t.Errorf("CheckCount = %d, want 1", trig.CheckCount())
	}
	if trig.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", trig.RequestCount())
	}
	if trig.LastCheck() != c {
		t.Error("LastCheck should return the most recent check")
	}
}

// TestGCTriggerAboveThreshold verifies that crossing the threshold issues
// an ASYNC request tagged with the heap-threshold reason.
func TestGCTriggerAboveThreshold(t *testing.T) {
	h, _ := newTestHeap(t, "busy", HeapConfig{RegionSize: 1024, MaxRegionSize: 1024})
	m := attach(t, h, "main")
	fillHeap(t, h, m, 0.8)

	trig := NewGCTrigger(h, TriggerConfig{OccupancyThreshold: 0.75})
	c := trig.CheckNow()
	if !c.Requested || c.Err != nil {
		t.Fatalf("check = %+v, want a successful request", c)
	}
	if c.Occupancy < 0.75 {
		t.Errorf("Occupancy = %.2f, want >= 0.75", c.Occupancy)
	}
	if trig.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", trig.RequestCount())
	}

	// The ASYNC request and this SYNC one land in the same or consecutive
	// cycles; either way a threshold cycle has run once SYNC returns.
	if _, err := h.RequestGC(GCSync); err != nil {
		t.Fatal(err)
	}
	if h.Stats().Cycles == 0 {
		t.Error("no cycle ran")
	}
}

func TestGCTriggerAfterShutdown(t *testing.T) {
	h, _ := newTestHeap(t, "shut", HeapConfig{RegionSize: 1024, MaxRegionSize: 1024})
	m := attach(t, h, "main")
	fillHeap(t, h, m, 0.8)
	h.Shutdown()

	trig := NewGCTrigger(h, TriggerConfig{OccupancyThreshold: 0.5})
	c := trig.CheckNow()
	if c.Requested || c.Err == nil {
		t.Errorf("check on a shut down heap = %+v, want an error", c)
	}
}

// ---------------------------------------------------------------------------
// Start/Stop lifecycle
// ---------------------------------------------------------------------------

func TestGCTriggerStartStop(t *testing.T) {
	h, _ := newTestHeap(t, "loop", HeapConfig{RegionSize: 1024, MaxRegionSize: 1024})
	m := attach(t, h, "main")
	fillHeap(t, h, m, 0.8)

	trig := NewGCTrigger(h, TriggerConfig{Interval: 5 * time.Millisecond, OccupancyThreshold: 0.5})
	trig.Start()

	deadline := time.Now().Add(2 * time.Second)
	for trig.RequestCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	trig.Stop()

	if trig.RequestCount() == 0 {
		t.Fatal("running trigger never requested a cycle")
	}
	if trig.CheckCount() == 0 {
		t.Error("CheckCount = 0 after the loop ran")
	}
}

func TestGCTriggerDoubleStart(t *testing.T) {
	h, _ := newTestHeap(t, "double", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{Interval: time.Hour})

	trig.Start()
	trig.Start() // should not panic or start a second loop
	trig.Stop()
}

func TestGCTriggerDoubleStop(t *testing.T) {
	h, _ := newTestHeap(t, "stop", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{Interval: time.Hour})

	trig.Start()
	trig.Stop()
	trig.Stop() // should not panic
}

func TestGCTriggerStopWithoutStart(t *testing.T) {
	h, _ := newTestHeap(t, "never", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{})
	trig.Stop() // should not panic or block
}

func TestGCTriggerRestart(t *testing.T) {
	h, _ := newTestHeap(t, "restart", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{Interval: time.Millisecond})

	trig.Start()
	trig.Stop()
	before := trig.CheckCount()

	trig.Start()
	deadline := time.Now().Add(2 * time.Second)
	for trig.CheckCount() == before && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	trig.Stop()

	if trig.CheckCount() == before {
		t.Error("restarted trigger never checked")
	}
}

func TestGCTriggerEnableDisable(t *testing.T) {
	h, _ := newTestHeap(t, "toggle", HeapConfig{})
	trig := NewGCTrigger(h, TriggerConfig{Interval: time.Millisecond})

	trig.SetEnabled(false)
	if trig.IsEnabled() {
		t.Fatal("IsEnabled = true after SetEnabled(false)")
	}

	trig.Start()
	time.Sleep(20 * time.Millisecond)
	trig.Stop()

	if trig.CheckCount() != 0 {
		t.Errorf("disabled trigger performed %d checks", trig.CheckCount())
	}

	trig.SetEnabled(true)
	if !trig.IsEnabled() {
		t.Error("IsEnabled = false after SetEnabled(true)")
	}
}
