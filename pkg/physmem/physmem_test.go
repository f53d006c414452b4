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
	"testing"

	"github.com/google/go-cmp/cmp"

	"heavenos.dev/heavenos/pkg/hostarch"
)

func TestSelectZones(t *testing.T) {
	regions := []Region{
		{Base: 0, Length: 0x9fc00, Type: RAM},
		{Base: 0xf0000, Length: 0x10000, Type: Reserved},
		{Base: 0x100000, Length: 0x3f00000, Type: RAM},
		{Base: 0x4000000, Length: 0x100000, Type: ACPIReclaimable},
		{Base: 0x4100000, Length: 0x800000, Type: Hibernation},
		{Base: 0x4900000, Length: 0x800000, Type: Defective},
	}
	exclude := []Region{
		{Base: 0x200000, Length: 0x200000},
		{Base: 0x400000, Length: 0x1000},
	}
	got := SelectZones(regions, exclude, 1024)
	want := []Region{
		{Base: 0x401000, Length: 0x4000000 - 0x401000, Type: RAM},
		{Base: 0x4100000, Length: 0x800000, Type: Hibernation},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SelectZones mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectZonesAlignsAndFilters(t *testing.T) {
	regions := []Region{
		{Base: 0x1800, Length: 0x3000, Type: RAM},
		{Base: 0x100000, Length: 0x2000, Type: RAM},
	}
	got := SelectZones(regions, nil, 1)
	want := []Region{
		{Base: 0x2000, Length: 0x2000, Type: RAM},
		{Base: 0x100000, Length: 0x2000, Type: RAM},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SelectZones mismatch (-want +got):\n%s", diff)
	}
	if got := SelectZones(regions, nil, 3); len(got) != 0 {
		t.Errorf("SelectZones with minFrames=3 = %v, want none", got)
	}
}

func TestSelectZonesKeepsMemoryMapOrder(t *testing.T) {
	regions := []Region{
		{Base: 0x800000, Length: 0x400000, Type: RAM},
		{Base: 0x100000, Length: 0x9fc00, Type: Reserved},
		{Base: 0x400000, Length: 0x400000, Type: RAM},
	}
	got := SelectZones(regions, []Region{{Base: 0x900000, Length: 0x1000}}, 1)
	want := []Region{
		{Base: 0x800000, Length: 0x100000, Type: RAM},
		{Base: 0x901000, Length: 0x2ff000, Type: RAM},
		{Base: 0x400000, Length: 0x400000, Type: RAM},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SelectZones mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRegionType(t *testing.T) {
	for typ, name := range regionTypeNames {
		got, err := ParseRegionType(name)
		if err != nil || got != typ {
			t.Errorf("ParseRegionType(%q) = %v, %v; want %v", name, got, err, typ)
		}
	}
	if _, err := ParseRegionType("flash"); err == nil {
		t.Errorf("ParseRegionType(flash) succeeded")
	}
}

func TestMemory(t *testing.T) {
	m, err := New(4 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	b := m.Bytes(hostarch.PageSize, 8)
	copy(b, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	m.Copy(2*hostarch.PageSize, hostarch.PageSize, 8)
	if got := m.Words(2*hostarch.PageSize, 1)[0]; got != 0x0807060504030201 {
		t.Errorf("word = %#x, want 0x0807060504030201", got)
	}
	if got := m.AddrOf(m.Pointer(3*hostarch.PageSize + 16)); got != 3*hostarch.PageSize+16 {
		t.Errorf("AddrOf(Pointer(p)) = %v", got)
	}
	m.Zero(hostarch.PageSize, hostarch.PageSize)
	if b[0] != 0 {
		t.Errorf("Zero left %d", b[0])
	}
	if m.Contains(3*hostarch.PageSize, hostarch.PageSize+1) {
		t.Errorf("Contains past the end returned true")
	}
}

func TestDirectMap(t *testing.T) {
	p := hostarch.PhysAddr(0x123000)
	v := KernelAddr(p)
	if v != 0xffff888000123000 {
		t.Errorf("KernelAddr(%v) = %v", p, v)
	}
	if got, ok := PhysFromKernel(v); !ok || got != p {
		t.Errorf("PhysFromKernel(%v) = %v, %v", v, got, ok)
	}
	if _, ok := PhysFromKernel(0x10000); ok {
		t.Errorf("PhysFromKernel of a user address succeeded")
	}
}
