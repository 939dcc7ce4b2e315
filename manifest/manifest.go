// Package manifest handles heapcoord.toml configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"

	"github.com/chazu/heapcoord/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "heapcoord.toml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Manifest represents a heapcoord.toml configuration.
type Manifest struct {
	Heap     HeapSection     `toml:"heap"`
	Trigger  TriggerSection  `toml:"trigger"`
	XGC      XGCSection      `toml:"xgc"`
	Profiler ProfilerSection `toml:"profiler"`
	History  HistorySection  `toml:"history"`
	Log      LogSection      `toml:"log"`

	// Dir is the directory containing the heapcoord.toml file (set at load time).
	Dir string `toml:"-"`
}

// HeapSection sizes the heaps.
type HeapSection struct {
	RegionSize       Size    `toml:"region-size"`
	MaxRegionSize    Size    `toml:"max-region-size"`
	GrowthFactor     float64 `toml:"growth-factor"`
	CompactThreshold float64 `toml:"compact-threshold"`
	MarkWorkers      int     `toml:"mark-workers"`
}

// TriggerSection configures the occupancy trigger.
type TriggerSection struct {
	Enabled            bool     `toml:"enabled"`
	Interval           Duration `toml:"interval"`
	OccupancyThreshold float64  `toml:"occupancy-threshold"`
}

// XGCSection configures the cross-runtime handshake.
type XGCSection struct {
	HandshakeTimeout Duration `toml:"handshake-timeout"`
	CollectHost      bool     `toml:"collect-host"`
}

// ProfilerSection configures the sampling profiler and where profiles go.
type ProfilerSection struct {
	Interval   Duration `toml:"interval"`
	MaxSamples int      `toml:"max-samples"`
	Bundle     string   `toml:"bundle"`
	OutputDir  string   `toml:"output-dir"`
}

// HistorySection configures the cycle history store. An empty driver
// disables it.
type HistorySection struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// LogSection configures logging.
type LogSection struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string ("250ms", "5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Size is a byte count written as a string ("4MB", "512 KB"). Units are
// binary: 1KB is 1024 bytes.
type Size uint64

func (s *Size) UnmarshalText(text []byte) error {
	v, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*s = Size(uint64(v))
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// Default returns the manifest used when no heapcoord.toml exists.
func Default() *Manifest {
	h := vm.DefaultHeapConfig()
	t := vm.DefaultTriggerConfig()
	x := vm.DefaultXGCConfig()
	p := vm.DefaultProfilerConfig()
	return &Manifest{
		Heap: HeapSection{
			RegionSize:       Size(h.RegionSize),
			MaxRegionSize:    Size(h.MaxRegionSize),
			GrowthFactor:     h.GrowthFactor,
			CompactThreshold: h.CompactThreshold,
		},
		Trigger: TriggerSection{
			Enabled:            true,
			Interval:           Duration{t.Interval},
			OccupancyThreshold: t.OccupancyThreshold,
		},
		XGC: XGCSection{
			HandshakeTimeout: Duration{x.HandshakeTimeout},
			CollectHost:      x.CollectHost,
		},
		Profiler: ProfilerSection{
			Interval:   Duration{p.Interval},
			MaxSamples: p.MaxSamples,
			Bundle:     "heapcoord",
			OutputDir:  ".",
		},
		History: HistorySection{
			Driver: "sqlite",
			DSN:    "heapcoord-history.db",
		},
	}
}

// Decode parses data over the defaults and validates the result. Keys
// absent from data keep their default values.
func Decode(data []byte) (*Manifest, error) {
	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load parses a heapcoord.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a heapcoord.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges the vm layer would otherwise silently
// replace with defaults.
func (m *Manifest) Validate() error {
	switch {
	case m.Heap.MaxRegionSize != 0 && m.Heap.MaxRegionSize < m.Heap.RegionSize:
		return fmt.Errorf("%w: heap.max-region-size %s is below heap.region-size %s",
			ErrInvalid, m.Heap.MaxRegionSize, m.Heap.RegionSize)
	case m.Heap.GrowthFactor != 0 && m.Heap.GrowthFactor <= 1:
		return fmt.Errorf("%w: heap.growth-factor must exceed 1, got %g", ErrInvalid, m.Heap.GrowthFactor)
	case m.Heap.CompactThreshold < 0 || m.Heap.CompactThreshold > 1:
		return fmt.Errorf("%w: heap.compact-threshold must be in [0,1], got %g", ErrInvalid, m.Heap.CompactThreshold)
	case m.Trigger.OccupancyThreshold <= 0 || m.Trigger.OccupancyThreshold > 1:
		return fmt.Errorf("%w: trigger.occupancy-threshold must be in (0,1], got %g",
			ErrInvalid, m.Trigger.OccupancyThreshold)
	case m.Trigger.Interval.Duration < 0, m.XGC.HandshakeTimeout.Duration < 0, m.Profiler.Interval.Duration < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	case m.Profiler.MaxSamples < 0:
		return fmt.Errorf("%w: profiler.max-samples must not be negative", ErrInvalid)
	}
	switch m.History.Driver {
	case "", "sqlite", "duckdb":
	default:
		return fmt.Errorf("%w: unknown history.driver %q", ErrInvalid, m.History.Driver)
	}
	return nil
}

// HeapConfig converts the [heap] section.
func (m *Manifest) HeapConfig() vm.HeapConfig {
	return vm.HeapConfig{
		RegionSize:       uint64(m.Heap.RegionSize),
		MaxRegionSize:    uint64(m.Heap.MaxRegionSize),
		GrowthFactor:     m.Heap.GrowthFactor,
		CompactThreshold: m.Heap.CompactThreshold,
		MarkWorkers:      m.Heap.MarkWorkers,
	}
}

// TriggerConfig converts the [trigger] section.
func (m *Manifest) TriggerConfig() vm.TriggerConfig {
	return vm.TriggerConfig{
		Interval:           m.Trigger.Interval.Duration,
		OccupancyThreshold: m.Trigger.OccupancyThreshold,
	}
}

// XGCConfig converts the [xgc] section.
func (m *Manifest) XGCConfig() vm.XGCConfig {
	return vm.XGCConfig{
		HandshakeTimeout: m.XGC.HandshakeTimeout.Duration,
		CollectHost:      m.XGC.CollectHost,
	}
}

// ProfilerConfig converts the [profiler] section.
func (m *Manifest) ProfilerConfig() vm.ProfilerConfig {
	return vm.ProfilerConfig{
		Interval:   m.Profiler.Interval.Duration,
		MaxSamples: m.Profiler.MaxSamples,
	}
}

// ProfilePath returns where a profile for the given thread is written.
// A relative output-dir is resolved against Dir.
func (m *Manifest) ProfilePath(worker bool, threadID int) string {
	return filepath.Join(m.resolve(m.Profiler.OutputDir), vm.ProfileFileName(m.Profiler.Bundle, worker, threadID))
}

// HistoryDSN returns the history data source. File DSNs that are relative
// are resolved against Dir.
func (m *Manifest) HistoryDSN() string {
	if m.History.DSN == "" || m.History.DSN == ":memory:" {
		return m.History.DSN
	}
	return m.resolve(m.History.DSN)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
