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

// Package hostarch describes the address layout of the machine the kernel
// runs on: page sizes, virtual and physical address types, and the
// decomposition of a virtual address into page-table indices.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2 MiB page size.
	HugePageShift = 21

	// HugePageSize is the size of a page mapped by a PD entry.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1 GiB page size.
	GiantPageShift = 30

	// GiantPageSize is the size of a page mapped by a PDPT entry.
	GiantPageSize = 1 << GiantPageShift

	// EntriesPerTable is the number of entries in each page-table level.
	EntriesPerTable = 512

	// Levels is the number of page-table levels (PML4, PDPT, PD, PT).
	Levels = 4

	// CacheLineSize is the size of a CPU cache line.
	CacheLineSize = 64

	// MB and GB are convenience sizes.
	MB = 1 << 20
	GB = 1 << 30
)

// Page-table level numbers, from the root down.
const (
	LevelPML4 = iota
	LevelPDPT
	LevelPD
	LevelPT
)

// Addr represents a virtual address.
type Addr uint64

// PhysAddr represents a physical address. It is deliberately a distinct type
// from Addr; conversions between the two go through the direct mapping.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("phys:%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest 2 MiB
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned returns true if v is a multiple of size, which must be a power
// of two.
func (v Addr) IsAligned(size uint64) bool {
	return uint64(v)&(size-1) == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// LevelShift returns the shift of the virtual address bits indexing the
// given page-table level.
func LevelShift(level int) uint {
	return uint(PageShift + 9*(Levels-1-level))
}

// LevelSize returns the number of bytes covered by one entry at the given
// level.
func LevelSize(level int) uint64 {
	return 1 << LevelShift(level)
}

// Index returns the index into the table at the given level selected by v.
func (v Addr) Index(level int) int {
	return int((uint64(v) >> LevelShift(level)) & (EntriesPerTable - 1))
}

// Canonical sign-extends bit 47 into the upper bits, producing the canonical
// form of an address assembled from table indices.
func Canonical(v uint64) Addr {
	if v&(1<<47) != 0 {
		v |= 0xffff000000000000
	}
	return Addr(v)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p & ^PhysAddr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
func (p PhysAddr) RoundUp() PhysAddr {
	return PhysAddr(p + PageSize - 1).RoundDown()
}

// IsPageAligned returns true if p is on a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// IsAligned returns true if p is a multiple of size, which must be a power
// of two.
func (p PhysAddr) IsAligned(size uint64) bool {
	return uint64(p)&(size-1) == 0
}

// PagesToBytes converts a page count to bytes.
func PagesToBytes(pages uint64) uint64 {
	return pages << PageShift
}

// BytesToPages converts a byte count to a page count, rounding up.
func BytesToPages(n uint64) uint64 {
	return (n + PageSize - 1) >> PageShift
}
