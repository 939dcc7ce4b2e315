package vm

import (
	"runtime"
	"time"
)

// HeapConfig sizes the heap region and tunes the collector.
type HeapConfig struct {
	RegionSize       uint64  // initial reserved region, bytes
	MaxRegionSize    uint64  // growth ceiling, bytes
	GrowthFactor     float64 // multiplier applied when the region grows
	CompactThreshold float64 // fragmentation ratio that makes a non-FULL cycle compact
	MarkWorkers      int     // parallel mark workers per wave
}

// Default heap sizing.
const (
	DefaultRegionSize    = 4 << 20
	DefaultMaxRegionSize = 64 << 20
)

// DefaultHeapConfig returns the default heap configuration.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		RegionSize:       DefaultRegionSize,
		MaxRegionSize:    DefaultMaxRegionSize,
		GrowthFactor:     2,
		CompactThreshold: 0.5,
		MarkWorkers:      runtime.NumCPU(),
	}
}

func (c HeapConfig) withDefaults() HeapConfig {
	d := DefaultHeapConfig()
	if c.RegionSize == 0 {
		c.RegionSize = d.RegionSize
	}
	if c.MaxRegionSize < c.RegionSize {
		c.MaxRegionSize = c.RegionSize
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = d.CompactThreshold
	}
	if c.MarkWorkers <= 0 {
		c.MarkWorkers = d.MarkWorkers
	}
	return c
}

// TriggerConfig tunes the occupancy-driven GC trigger.
type TriggerConfig struct {
	Interval           time.Duration
	OccupancyThreshold float64 // fraction of the region in use that requests a cycle
}

// DefaultTriggerInterval is the default occupancy polling interval.
const DefaultTriggerInterval = 100 * time.Millisecond

// DefaultTriggerConfig returns the default trigger policy.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Interval:           DefaultTriggerInterval,
		OccupancyThreshold: 0.75,
	}
}

// XGCConfig tunes the cross-runtime handshake.
type XGCConfig struct {
	HandshakeTimeout time.Duration
	CollectHost      bool // request an ASYNC host cycle once reclaim resumes
}

// DefaultXGCConfig returns the default handshake settings.
func DefaultXGCConfig() XGCConfig {
	return XGCConfig{
		HandshakeTimeout: 5 * time.Second,
		CollectHost:      true,
	}
}

// ProfilerConfig tunes the sampling profiler.
type ProfilerConfig struct {
	Interval   time.Duration
	MaxSamples int
}

// DefaultSamplingInterval matches the runtime's inner-start interval.
const DefaultSamplingInterval = 500 * time.Microsecond

// DefaultProfilerConfig returns the default sampling settings.
func DefaultProfilerConfig() ProfilerConfig {
	return ProfilerConfig{
		Interval:   DefaultSamplingInterval,
		MaxSamples: 1 << 20,
	}
}
