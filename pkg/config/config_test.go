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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/physmem"
	"heavenos.dev/heavenos/pkg/platform"
	"heavenos.dev/heavenos/pkg/sched"
)

const sampleTOML = `
max_tasks = 16
quantum_ticks = 5
timer = "realtime"
tick_period_ms = 2
log_level = "debug"
log_format = "json"

kernel_image = { base = 0x200000, length = 0x200000 }
boot_info = { base = 0x400000, length = 0x1000 }

[[memory_map]]
base = 0x0
length = 0x9fc00
type = "ram"

[[memory_map]]
base = 0x100000
length = 0x1f00000
type = "ram"

[[memory_map]]
base = 0x2000000
length = 0x800000
type = "hibernation"
`

const sampleYAML = `
max_tasks: 16
quantum_ticks: 5
timer: realtime
tick_period_ms: 2
log_level: debug
log_format: json
kernel_image: {base: 0x200000, length: 0x200000}
boot_info: {base: 0x400000, length: 0x1000}
memory_map:
  - {base: 0x0, length: 0x9fc00, type: ram}
  - {base: 0x100000, length: 0x1f00000, type: ram}
  - {base: 0x2000000, length: 0x800000, type: hibernation}
`

func sampleConfig() *Config {
	return &Config{
		MemoryMap: []Region{
			{Base: 0x0, Length: 0x9fc00, Type: physmem.RAM},
			{Base: 0x100000, Length: 0x1f00000, Type: physmem.RAM},
			{Base: 0x2000000, Length: 0x800000, Type: physmem.Hibernation},
		},
		KernelImage:         Range{Base: 0x200000, Length: 0x200000},
		BootInfo:            Range{Base: 0x400000, Length: 0x1000},
		MaxTasks:            16,
		TickPeriodMillis:    2,
		QuantumTicks:        5,
		Timer:               "realtime",
		InstructionsPerTick: 100,
		StackPages:          4,
		LogLevel:            "debug",
		LogFormat:           "json",
	}
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := c.MemorySize(); got != 0x4000000 {
		t.Errorf("MemorySize() = %#x, want 64 MiB", got)
	}
	want := platform.Options{Timer: platform.VirtualTimer, InstructionsPerTick: 100, TickPeriod: time.Millisecond}
	if got := c.PlatformOptions(); got != want {
		t.Errorf("PlatformOptions() = %+v, want %+v", got, want)
	}
	if got := c.SchedConfig(); got != sched.DefaultConfig() {
		t.Errorf("SchedConfig() = %+v, want %+v", got, sched.DefaultConfig())
	}
	if c.Level() != log.Info {
		t.Errorf("Level() = %v", c.Level())
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"kernel.toml", sampleTOML},
		{"kernel.yaml", sampleYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load(writeFile(t, tc.name, tc.data))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if diff := cmp.Diff(sampleConfig(), c); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"empty.toml", "empty.yml"} {
		c, err := Load(writeFile(t, name, ""))
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", name, err)
		}
		if diff := cmp.Diff(Default(), c); diff != "" {
			t.Errorf("Load(%s) mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
		want string
	}{
		{"unknown.toml", "max_task = 3\n", "unknown keys"},
		{"unknown.yaml", "max_task: 3\n", "max_task"},
		{"badtype.toml", "[[memory_map]]\nbase = 0\nlength = 0x4000000\ntype = \"flash\"\n", "flash"},
		{"syntax.toml", "max_tasks = \n", "toml"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.name, tc.data))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want an error mentioning %q", err, tc.want)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty region", func(c *Config) { c.MemoryMap[0].Length = 0 }},
		{"overlapping regions", func(c *Config) { c.MemoryMap[1].Base = 0x9f000 }},
		{"invalid region type", func(c *Config) { c.MemoryMap[0].Type = 0 }},
		{"unaligned kernel image", func(c *Config) { c.KernelImage.Base = 0x201000 }},
		{"kernel image past memory", func(c *Config) { c.KernelImage.Base = 0x10000000 }},
		{"empty boot info", func(c *Config) { c.BootInfo.Length = 0 }},
		{"boot info in kernel image", func(c *Config) { c.BootInfo.Base = 0x300000 }},
		{"one task", func(c *Config) { c.MaxTasks = 1 }},
		{"zero quantum", func(c *Config) { c.QuantumTicks = 0 }},
		{"timer", func(c *Config) { c.Timer = "hpet" }},
		{"log level", func(c *Config) { c.LogLevel = "trace" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate succeeded")
			}
		})
	}
}

func TestClone(t *testing.T) {
	c := sampleConfig()
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Fatalf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.MemoryMap[0].Length = 0x1000
	clone.MaxTasks = 3
	if c.MemoryMap[0].Length != 0x9fc00 || c.MaxTasks != 16 {
		t.Errorf("modifying the clone changed the original: %+v", c)
	}
}

func TestRegions(t *testing.T) {
	c := Default()
	zones := physmem.SelectZones(c.Regions(), c.Excluded(), 1024)
	want := []physmem.Region{{Base: 0x401000, Length: 0x4000000 - 0x401000, Type: physmem.RAM}}
	if diff := cmp.Diff(want, zones); diff != "" {
		t.Errorf("zones mismatch (-want +got):\n%s", diff)
	}
}
