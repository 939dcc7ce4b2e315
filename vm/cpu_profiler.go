package vm

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/heapcoord/vm/wire"
	"github.com/google/uuid"
)

// IdleFrame is the frame recorded when no mutator is inside a frame.
const IdleFrame = "(idle)"

// StackSampler captures the call stacks of an execution context. *Heap
// implements it through its mutators' shadow stacks.
type StackSampler interface {
	Name() string
	SampleStacks() []StackSample
}

// ProfileFileName returns the conventional profile file name for a bundle:
// "<bundle>.cpuprofile" on the main thread, "<bundle>_<tid>.cpuprofile" on
// a worker.
func ProfileFileName(bundle string, worker bool, threadID int) string {
	if worker {
		return bundle + "_" + strconv.Itoa(threadID) + ".cpuprofile"
	}
	return bundle + ".cpuprofile"
}

// CpuProfiler samples a target on one background goroutine and flushes the
// samples to a caller-owned writer. At most one sampling session runs at a
// time.
type CpuProfiler struct {
	target StackSampler
	cfg    ProfilerConfig

	mu      sync.Mutex // serializes Start and Stop; held through join and flush
	current atomic.Pointer[samplingSession]
}

type samplingSession struct {
	id       uuid.UUID
	started  time.Time
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// written only by the sampling goroutine until done is closed
	samples []wire.Sample
	seq     uint64
	dropped uint64
}

func (s *samplingSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *samplingSession) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewCpuProfiler creates a profiler for target. Zero fields of cfg take
// their defaults.
func NewCpuProfiler(target StackSampler, cfg ProfilerConfig) *CpuProfiler {
	d := DefaultProfilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = d.MaxSamples
	}
	return &CpuProfiler{target: target, cfg: cfg}
}

// Interval returns the sampling interval.
func (p *CpuProfiler) Interval() time.Duration { return p.cfg.Interval }

// Running reports whether a sampling goroutine is alive.
func (p *CpuProfiler) Running() bool {
	s := p.current.Load()
	return s != nil && !s.finished()
}

// StartCpuProfilerForFile spawns the sampling goroutine. It fails with
// ErrProfilerAlreadyRunning while a session is sampling. A session that
// was stopped with TryStopSampling but never flushed is discarded.
func (p *CpuProfiler) StartCpuProfilerForFile() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old := p.current.Load(); old != nil {
		if !old.finished() {
			return ErrProfilerAlreadyRunning
		}
		profilerLog.Warningf("%s: discarding %d unflushed samples of session %s",
			p.target.Name(), len(old.samples), old.id)
	}

	s := &samplingSession{
		id:      uuid.New(),
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.current.Store(s)
	go p.loop(s)
	profilerLog.Infof("%s: sampling session %s started, interval %s", p.target.Name(), s.id, p.cfg.Interval)
	return nil
}

// StopCpuProfilerForFile stops sampling, waits for the sampling goroutine
// to exit, then writes the profile stream to out. When it returns nothing
// else writes to out, so the caller may close it.
func (p *CpuProfiler) StopCpuProfilerForFile(out io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.current.Load()
	if s == nil {
		return ErrProfilerNotRunning
	}
	s.requestStop()
	<-s.done
	p.current.Store(nil)

	if err := p.flush(s, out); err != nil {
		return fmt.Errorf("flush cpu profile %s: %w", s.id, err)
	}
	profilerLog.Infof("%s: sampling session %s stopped, %d samples (%d dropped)",
		p.target.Name(), s.id, len(s.samples), s.dropped)
	return nil
}

// TryStopSampling asks the sampling goroutine to stop and returns at once.
// The goroutine may still be running when it returns; samples stay
// buffered until StopCpuProfilerForFile or Close.
func (p *CpuProfiler) TryStopSampling() {
	if s := p.current.Load(); s != nil {
		s.requestStop()
	}
}

// Close stops any session and waits for its goroutine without flushing.
func (p *CpuProfiler) Close() error {
	p.TryStopSampling()

	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.current.Load(); s != nil {
		<-s.done
		p.current.Store(nil)
	}
	return nil
}

func (p *CpuProfiler) loop(s *samplingSession) {
	defer close(s.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			if len(s.samples) == 0 {
				p.record(s)
			}
			return
		case <-ticker.C:
			p.record(s)
		}
	}
}

func (p *CpuProfiler) record(s *samplingSession) {
	offset := time.Since(s.started).Nanoseconds()
	stacks := p.target.SampleStacks()
	if len(stacks) == 0 {
		stacks = []StackSample{{Frames: []string{IdleFrame}}}
	}
	for _, st := range stacks {
		s.seq++
		if len(s.samples) >= p.cfg.MaxSamples {
			s.dropped++
			continue
		}
		s.samples = append(s.samples, wire.Sample{
			Seq:     s.seq,
			Offset:  offset,
			Mutator: st.Mutator,
			Frames:  st.Frames,
		})
	}
}

func (p *CpuProfiler) flush(s *samplingSession, out io.Writer) error {
	pw, err := wire.NewProfileWriter(out, wire.ProfileHeader{
		SessionID: s.id.String(),
		Target:    p.target.Name(),
		Interval:  p.cfg.Interval.Nanoseconds(),
		Started:   s.started.UnixNano(),
	})
	if err != nil {
		return err
	}
	for _, sample := range s.samples {
		if err := pw.WriteSample(sample); err != nil {
			return err
		}
	}
	return pw.Close(wire.ProfileTrailer{
		Dropped: s.dropped,
		Stopped: time.Now().UnixNano(),
	})
}
