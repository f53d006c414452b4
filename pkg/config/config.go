// Copyright 2024 The HeavenOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration of a simulated machine and the
// kernel booted on it.
//
// Configuration files are TOML, or YAML when the file name ends in .yaml
// or .yml. Keys left out of a file take their default values.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/physmem"
	"heavenos.dev/heavenos/pkg/platform"
	"heavenos.dev/heavenos/pkg/sched"
)

// Region is a memory map entry.
type Region struct {
	Base   uint64             `toml:"base" yaml:"base"`
	Length uint64             `toml:"length" yaml:"length"`
	Type   physmem.RegionType `toml:"type" yaml:"type"`
}

// Range is a physical address range.
type Range struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Length uint64 `toml:"length" yaml:"length"`
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Base + r.Length
}

// Config is the machine and kernel configuration.
type Config struct {
	// MemoryMap is the boot memory map. Simulated RAM extends to the end
	// of the highest entry.
	MemoryMap []Region `toml:"memory_map" yaml:"memory_map"`

	// KernelImage is where the kernel is loaded. User program text is
	// copied into it. It is mapped with 2 MiB pages.
	KernelImage Range `toml:"kernel_image" yaml:"kernel_image"`

	// BootInfo is the region holding the boot information.
	BootInfo Range `toml:"boot_info" yaml:"boot_info"`

	// MaxTasks is the size of the task table.
	MaxTasks int `toml:"max_tasks" yaml:"max_tasks"`

	// TickPeriodMillis is the timer period.
	TickPeriodMillis uint64 `toml:"tick_period_ms" yaml:"tick_period_ms"`

	// QuantumTicks is the preemption quantum.
	QuantumTicks uint64 `toml:"quantum_ticks" yaml:"quantum_ticks"`

	// Timer is "virtual" or "realtime".
	Timer string `toml:"timer" yaml:"timer"`

	// InstructionsPerTick is the virtual timer rate.
	InstructionsPerTick uint64 `toml:"instructions_per_tick" yaml:"instructions_per_tick"`

	// StackPages is the size of the user stack area.
	StackPages uint64 `toml:"stack_pages" yaml:"stack_pages"`

	// LogLevel is "warning", "info" or "debug".
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format"`
}

// DefaultMemoryMap is a 64 MiB PC-style memory map.
func DefaultMemoryMap() []Region {
	return []Region{
		{Base: 0x0, Length: 0x9fc00, Type: physmem.RAM},
		{Base: 0x9fc00, Length: 0x400, Type: physmem.Reserved},
		{Base: 0xf0000, Length: 0x10000, Type: physmem.Reserved},
		{Base: 0x100000, Length: 0x3f00000, Type: physmem.RAM},
	}
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if len(c.MemoryMap) == 0 {
		c.MemoryMap = DefaultMemoryMap()
	}
	if c.KernelImage == (Range{}) {
		c.KernelImage = Range{Base: 0x200000, Length: 0x200000}
	}
	if c.BootInfo == (Range{}) {
		c.BootInfo = Range{Base: 0x400000, Length: 0x1000}
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = 64
	}
	if c.TickPeriodMillis == 0 {
		c.TickPeriodMillis = 1
	}
	if c.QuantumTicks == 0 {
		c.QuantumTicks = 10
	}
	if c.Timer == "" {
		c.Timer = platform.VirtualTimer.String()
	}
	if c.InstructionsPerTick == 0 {
		c.InstructionsPerTick = 100
	}
	if c.StackPages == 0 {
		c.StackPages = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var c *Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		c, err = ParseYAML(data)
	default:
		c, err = Parse(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Parse parses a TOML configuration. Unknown keys are an error.
func Parse(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	c.setDefaults()
	return &c, c.Validate()
}

// ParseYAML parses a YAML configuration. Unknown keys are an error.
func ParseYAML(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, err
	}
	c.setDefaults()
	return &c, c.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.MemoryMap) == 0 {
		return fmt.Errorf("empty memory map")
	}
	regions := c.Regions()
	for _, r := range regions {
		if r.Length == 0 {
			return fmt.Errorf("empty memory map entry at %v", r.Base)
		}
		if r.End() < r.Base {
			return fmt.Errorf("memory map entry at %v overflows", r.Base)
		}
		if _, err := r.Type.MarshalText(); err != nil {
			return fmt.Errorf("memory map entry %v has an invalid type", r)
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Overlaps(regions[i]) {
			return fmt.Errorf("memory map entries %v and %v overlap", regions[i-1], regions[i])
		}
	}

	extent := uint64(physmem.Extent(regions))
	if err := c.KernelImage.check("kernel_image", hostarch.HugePageSize, extent); err != nil {
		return err
	}
	if err := c.BootInfo.check("boot_info", hostarch.PageSize, extent); err != nil {
		return err
	}
	if c.KernelImage.Base < c.BootInfo.End() && c.BootInfo.Base < c.KernelImage.End() {
		return fmt.Errorf("kernel_image and boot_info overlap")
	}

	if c.MaxTasks < 2 {
		return fmt.Errorf("max_tasks must be at least 2, got %d", c.MaxTasks)
	}
	if c.TickPeriodMillis == 0 || c.QuantumTicks == 0 || c.InstructionsPerTick == 0 || c.StackPages == 0 {
		return fmt.Errorf("tick_period_ms, quantum_ticks, instructions_per_tick and stack_pages must be positive")
	}
	if _, err := platform.ParseTimerMode(c.Timer); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (r Range) check(name string, align, extent uint64) error {
	switch {
	case r.Length == 0:
		return fmt.Errorf("%s is empty", name)
	case r.Base%align != 0 || r.Length%align != 0:
		return fmt.Errorf("%s [%#x, %#x) is not aligned to %#x", name, r.Base, r.End(), align)
	case r.End() < r.Base || r.End() > extent:
		return fmt.Errorf("%s [%#x, %#x) is outside of memory", name, r.Base, r.End())
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Regions returns the memory map.
func (c *Config) Regions() []physmem.Region {
	regions := make([]physmem.Region, 0, len(c.MemoryMap))
	for _, r := range c.MemoryMap {
		regions = append(regions, physmem.Region{
			Base:   hostarch.PhysAddr(r.Base),
			Length: r.Length,
			Type:   r.Type,
		})
	}
	return regions
}

// Excluded returns the regions zone selection must skip.
func (c *Config) Excluded() []physmem.Region {
	return []physmem.Region{
		{Base: hostarch.PhysAddr(c.KernelImage.Base), Length: c.KernelImage.Length, Type: physmem.Reserved},
		{Base: hostarch.PhysAddr(c.BootInfo.Base), Length: c.BootInfo.Length, Type: physmem.Reserved},
	}
}

// MemorySize returns the size of simulated RAM.
func (c *Config) MemorySize() uint64 {
	return uint64(physmem.Extent(c.Regions()))
}

// PlatformOptions returns the machine options. c must be valid.
func (c *Config) PlatformOptions() platform.Options {
	mode, _ := platform.ParseTimerMode(c.Timer)
	return platform.Options{
		Timer:               mode,
		InstructionsPerTick: c.InstructionsPerTick,
		TickPeriod:          time.Duration(c.TickPeriodMillis) * time.Millisecond,
	}
}

// SchedConfig returns the scheduler configuration.
func (c *Config) SchedConfig() sched.Config {
	return sched.Config{
		MaxTasks:         c.MaxTasks,
		TickPeriodMillis: c.TickPeriodMillis,
		Quantum:          c.QuantumTicks,
	}
}

// Level returns the log level. c must be valid.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}
