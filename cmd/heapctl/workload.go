package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v3"

	"github.com/chazu/heapcoord/history"
	"github.com/chazu/heapcoord/manifest"
	"github.com/chazu/heapcoord/objmodel"
	"github.com/chazu/heapcoord/vm"
)

// Workload describes a stress run against a host and an embedded heap.
type Workload struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	Seed     int64         `yaml:"seed"`

	Host     Side `yaml:"host"`
	Embedded Side `yaml:"embedded"`

	// XGCEvery is the period of cross-runtime triggers; zero disables them.
	XGCEvery time.Duration `yaml:"xgc-every"`
	Profile  bool          `yaml:"profile"`
	// Snapshot, if set, is the file the final embedded heap snapshot is
	// written to.
	Snapshot string `yaml:"snapshot"`
}

// Side is the mutator load applied to one heap.
type Side struct {
	Mutators    int     `yaml:"mutators"`
	Window      int     `yaml:"window"` // pinned objects per mutator
	MaxSlots    int     `yaml:"max-slots"`
	MaxData     int     `yaml:"max-data"`
	StaticRatio float64 `yaml:"static-ratio"`
	RootEvery   int     `yaml:"root-every"`  // every Nth allocation becomes a global root
	CrossEvery  int     `yaml:"cross-every"` // every Nth allocation references the peer heap
}

// DefaultWorkload is used when stress runs without a workload file.
func DefaultWorkload() *Workload {
	side := Side{
		Mutators:    2,
		Window:      32,
		MaxSlots:    4,
		MaxData:     64,
		StaticRatio: 0.25,
		RootEvery:   64,
		CrossEvery:  8,
	}
	return &Workload{
		Name:     "default",
		Duration: 2 * time.Second,
		Seed:     1,
		Host:     side,
		Embedded: side,
		XGCEvery: 200 * time.Millisecond,
	}
}

// ParseWorkload decodes a YAML workload over DefaultWorkload.
func ParseWorkload(data []byte) (*Workload, error) {
	w := DefaultWorkload()
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadWorkload reads a YAML workload file.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	w, err := ParseWorkload(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func (w *Workload) validate() error {
	if w.Duration <= 0 {
		return fmt.Errorf("workload %q: duration must be positive", w.Name)
	}
	for name, s := range map[string]Side{"host": w.Host, "embedded": w.Embedded} {
		switch {
		case s.Mutators < 0, s.Window < 0, s.MaxSlots < 0, s.MaxData < 0, s.RootEvery < 0, s.CrossEvery < 0:
			return fmt.Errorf("workload %q: %s: counts must not be negative", w.Name, name)
		case s.StaticRatio < 0 || s.StaticRatio > 1:
			return fmt.Errorf("workload %q: %s: static-ratio must be in [0,1]", w.Name, name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

// Report summarizes a stress run.
type Report struct {
	Workload    string
	Elapsed     time.Duration
	Host        vm.HeapStats
	Embedded    vm.HeapStats
	Allocations int64
	Exhausted   int64
	Triggers    int64
	Partial     int64
	ProfilePath string
	Samples     int
}

func (r *Report) String() string {
	return fmt.Sprintf(
		"workload %s ran %s: %d allocations (%d exhausted)\n"+
			"  host:     %d objects, %d cycles, occupancy %.2f\n"+
			"  embedded: %d objects, %d cycles, occupancy %.2f\n"+
			"  xgc:      %d triggers, %d partial",
		r.Workload, r.Elapsed.Round(time.Millisecond), r.Allocations, r.Exhausted,
		r.Host.Objects, r.Host.Cycles, r.Host.Occupancy(),
		r.Embedded.Objects, r.Embedded.Cycles, r.Embedded.Occupancy(),
		r.Triggers, r.Partial)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// published holds recently allocated ids of one heap for the peer's
// mutators to reference.
type published struct {
	mu  sync.Mutex
	ids []vm.ObjID
	n   int
}

func newPublished(size int) *published {
	return &published{ids: make([]vm.ObjID, size)}
}

func (p *published) add(id vm.ObjID) {
	p.mu.Lock()
	p.ids[p.n%len(p.ids)] = id
	p.n++
	p.mu.Unlock()
}

func (p *published) pick(rng *rand.Rand) (vm.ObjID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(p.n, len(p.ids))
	if n == 0 {
		return 0, false
	}
	return p.ids[rng.Intn(n)], true
}

type runner struct {
	m *manifest.Manifest
	w *Workload

	host, embedded *vm.Heap
	layoutID       uint32

	allocs    *xsync.Counter
	exhausted *xsync.Counter
	partial   *xsync.Counter
}

// RunWorkload drives w against a fresh host/embedded heap pair configured
// by m and returns a report once the workload's duration has elapsed or
// ctx is done.
func RunWorkload(ctx context.Context, m *manifest.Manifest, w *Workload) (*Report, error) {
	dyn, static := objmodel.NewDynamic(), objmodel.NewStatic()
	table := vm.NewOperatorTable()
	if err := objmodel.Install(table, dyn, static); err != nil {
		return nil, err
	}
	const layoutID = 1
	if err := static.DefineLayout(layoutID, "Node", 0, 2); err != nil {
		return nil, err
	}

	r := &runner{
		m:         m,
		w:         w,
		host:      vm.NewHeap("host", table, m.HeapConfig()),
		embedded:  vm.NewHeap("embedded", table, m.HeapConfig()),
		layoutID:  layoutID,
		allocs:    xsync.NewCounter(),
		exhausted: xsync.NewCounter(),
		partial:   xsync.NewCounter(),
	}
	var store *history.Store
	if m.History.Driver != "" {
		var err error
		if store, err = history.Open(m.History.Driver, m.HistoryDSN()); err != nil {
			return nil, err
		}
		defer store.Close()
		r.host.OnCycle(store.Observer(r.host.Name()))
		r.embedded.OnCycle(store.Observer(r.embedded.Name()))
	}
	// Shutdown waits for the collectors, so cycle observers finish
	// before the store closes.
	defer r.host.Shutdown()
	defer r.embedded.Shutdown()

	return r.run(ctx, store)
}

func (r *runner) run(ctx context.Context, store *history.Store) (*Report, error) {
	started := time.Now()

	if r.m.Trigger.Enabled {
		for _, h := range []*vm.Heap{r.host, r.embedded} {
			t := vm.NewGCTrigger(h, r.m.TriggerConfig())
			t.Start()
			defer t.Stop()
		}
	}

	x := vm.NewCrossRuntimeGC(vm.NewHeapHost(r.host), vm.NewHeapEmbedded(r.embedded), r.m.XGCConfig())
	if err := x.Create(); err != nil {
		return nil, err
	}
	defer x.Destroy()
	x.OnTrigger(func(res *vm.TriggerResult) {
		if res.Status == vm.TriggerPartial {
			r.partial.Inc()
		}
	})
	if store != nil {
		x.OnTrigger(store.TriggerObserver())
	}

	var profiler *vm.CpuProfiler
	if r.w.Profile {
		profiler = vm.NewCpuProfiler(r.host, r.m.ProfilerConfig())
		if err := profiler.StartCpuProfilerForFile(); err != nil {
			return nil, err
		}
		defer profiler.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, r.w.Duration)
	defer cancel()

	hostIDs, embIDs := newPublished(256), newPublished(256)
	g, gctx := errgroup.WithContext(ctx)
	for i := range r.w.Host.Mutators {
		seed := r.w.Seed + int64(i)
		g.Go(func() error {
			return r.mutate(gctx, r.host, fmt.Sprintf("host-%d", i), r.w.Host, seed, hostIDs, embIDs)
		})
	}
	for i := range r.w.Embedded.Mutators {
		seed := r.w.Seed + 1000 + int64(i)
		g.Go(func() error {
			return r.mutate(gctx, r.embedded, fmt.Sprintf("embedded-%d", i), r.w.Embedded, seed, embIDs, hostIDs)
		})
	}
	if r.w.XGCEvery > 0 {
		g.Go(func() error { return r.triggerLoop(gctx, x) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// One last joint pass so the final state reflects both heaps.
	if _, err := x.Trigger(context.Background()); err != nil {
		return nil, err
	}

	report := &Report{
		Workload:    r.w.Name,
		Elapsed:     time.Since(started),
		Allocations: r.allocs.Value(),
		Exhausted:   r.exhausted.Value(),
		Triggers:    x.GetInstance().Triggers(),
		Partial:     r.partial.Value(),
	}

	if profiler != nil {
		path, samples, err := r.writeProfile(profiler)
		if err != nil {
			return nil, err
		}
		report.ProfilePath, report.Samples = path, samples
	}
	if r.w.Snapshot != "" {
		if err := writeSnapshot(r.embedded, r.w.Snapshot); err != nil {
			return nil, err
		}
	}

	report.Host = r.host.Stats()
	report.Embedded = r.embedded.Stats()
	return report, nil
}

func (r *runner) triggerLoop(ctx context.Context, x *vm.CrossRuntimeGC) error {
	ticker := time.NewTicker(r.w.XGCEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := x.Trigger(ctx); err != nil && !errors.Is(err, vm.ErrSessionBusy) {
				return err
			}
		}
	}
}

// mutate allocates until ctx is done. Each mutator keeps a window of
// pinned objects; objects leaving the window become garbage unless they
// were linked from a survivor or made a root.
func (r *runner) mutate(ctx context.Context, h *vm.Heap, name string, side Side, seed int64, own, peer *published) error {
	mut, err := h.AttachMutator(name)
	if err != nil {
		return err
	}
	defer mut.Detach()
	mut.Enter("mutate")
	defer mut.Leave()

	rng := rand.New(rand.NewSource(seed))
	window := make([]*vm.ManagedObject, 0, side.Window+1)

	for n := 1; ctx.Err() == nil; n++ {
		mut.Enter("allocate")
		obj, err := r.allocate(mut, side, rng, window)
		mut.Leave()
		if errors.Is(err, vm.ErrHeapExhausted) {
			r.exhausted.Inc()
			mut.UnpinAll()
			window = window[:0]
			continue
		}
		if err != nil {
			if h.Closed() {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		r.allocs.Inc()
		own.add(obj.ID())

		if side.RootEvery > 0 && n%side.RootEvery == 0 {
			if err := h.AddRoot(obj); err != nil {
				return err
			}
		}
		if side.CrossEvery > 0 && n%side.CrossEvery == 0 {
			if id, ok := peer.pick(rng); ok {
				if err := mut.WriteForeign(obj, id); err != nil {
					return err
				}
			}
		}

		window = append(window, obj)
		if len(window) > side.Window {
			mut.Unpin(window[0])
			window = window[1:]
		}
		mut.Safepoint()
	}
	return nil
}

func (r *runner) allocate(mut *vm.Mutator, side Side, rng *rand.Rand, window []*vm.ManagedObject) (*vm.ManagedObject, error) {
	slots := make([]*vm.ManagedObject, rng.Intn(side.MaxSlots+1))
	for i := range slots {
		if len(window) > 0 && rng.Intn(2) == 0 {
			slots[i] = window[rng.Intn(len(window))]
		}
	}
	data := rng.Intn(side.MaxData + 1)
	if rng.Float64() < side.StaticRatio {
		return mut.AllocateStatic(r.layoutID, data, slots...)
	}
	return mut.Allocate(vm.KindDynamic, data, slots...)
}

func (r *runner) writeProfile(p *vm.CpuProfiler) (string, int, error) {
	path := r.m.ProfilePath(false, 0)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	if err := p.StopCpuProfilerForFile(f); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	prof, err := readProfileFile(path)
	if err != nil {
		return "", 0, err
	}
	return path, len(prof.Samples), nil
}

func writeSnapshot(h *vm.Heap, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := h.WriteSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
