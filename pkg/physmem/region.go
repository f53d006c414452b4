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

package physmem

import (
	"fmt"
	"strings"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// RegionType is the type of a boot memory map entry.
type RegionType int

// Memory map entry types, as reported by the boot loader.
const (
	RAM RegionType = iota + 1
	ACPIReclaimable
	Hibernation
	Defective
	Reserved
)

var regionTypeNames = map[RegionType]string{
	RAM:             "ram",
	ACPIReclaimable: "acpi",
	Hibernation:     "hibernation",
	Defective:       "defective",
	Reserved:        "reserved",
}

// String implements fmt.Stringer.String.
func (t RegionType) String() string {
	if s, ok := regionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RegionType(%d)", int(t))
}

// Usable returns true if regions of this type may be handed to the frame
// allocator.
func (t RegionType) Usable() bool {
	return t == RAM || t == Hibernation
}

// ParseRegionType parses the name used in configuration files.
func ParseRegionType(s string) (RegionType, error) {
	for t, name := range regionTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory region type %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RegionType) UnmarshalText(b []byte) error {
	rt, err := ParseRegionType(string(b))
	if err != nil {
		return err
	}
	*t = rt
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t RegionType) MarshalText() ([]byte, error) {
	if _, ok := regionTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown memory region type %d", int(t))
	}
	return []byte(t.String()), nil
}

// Region is one entry of the boot memory map.
type Region struct {
	Base   hostarch.PhysAddr
	Length uint64
	Type   RegionType
}

// End returns the first address past the region.
func (r Region) End() hostarch.PhysAddr {
	return r.Base + hostarch.PhysAddr(r.Length)
}

// Frames returns the number of whole frames in the region.
func (r Region) Frames() uint64 {
	return r.Length >> hostarch.PageShift
}

// Overlaps returns true if r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) %v", r.Base, r.End(), r.Type)
}

// Extent returns the end of the highest region in the map.
func Extent(regions []Region) hostarch.PhysAddr {
	var end hostarch.PhysAddr
	for _, r := range regions {
		if e := r.End(); e > end {
			end = e
		}
	}
	return end
}

// SelectZones returns the page-aligned pieces of the usable regions of the
// memory map that remain after cutting out every excluded region, keeping
// only pieces of at least minFrames frames. Zones are returned in memory
// map order, which is the order the allocator tries them in.
func SelectZones(regions []Region, exclude []Region, minFrames uint64) []Region {
	var zones []Region
	for _, r := range regions {
		if !r.Type.Usable() {
			continue
		}
		pieces := []Region{r}
		for _, x := range exclude {
			if x.Length == 0 {
				continue
			}
			var next []Region
			for _, p := range pieces {
				next = append(next, subtract(p, x)...)
			}
			pieces = next
		}
		for _, p := range pieces {
			start, end := p.Base.RoundUp(), p.End().RoundDown()
			if end <= start {
				continue
			}
			z := Region{Base: start, Length: uint64(end - start), Type: p.Type}
			if z.Frames() >= minFrames {
				zones = append(zones, z)
			}
		}
	}
	return zones
}

// subtract returns the parts of r not covered by x.
func subtract(r, x Region) []Region {
	if !r.Overlaps(x) {
		return []Region{r}
	}
	var out []Region
	if r.Base < x.Base {
		out = append(out, Region{Base: r.Base, Length: uint64(x.Base - r.Base), Type: r.Type})
	}
	if x.End() < r.End() {
		out = append(out, Region{Base: x.End(), Length: uint64(r.End() - x.End()), Type: r.Type})
	}
	return out
}
