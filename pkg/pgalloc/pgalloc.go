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

// Package pgalloc implements the buddy allocator for physical frames.
//
// Each zone is a contiguous range of physical memory split into blocks of
// 2^order frames, 0 <= order <= MaxOrder. Free blocks of each order are kept
// on an intrusive list whose links live inside the free blocks themselves.
// For every order below MaxOrder, one bit per buddy pair records whether
// exactly one block of the pair is free; the bits are stored in header
// frames at the start of the zone.
package pgalloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"

	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/physmem"
)

const (
	// MaxOrder is the order of the largest block.
	MaxOrder = 10

	// MaxZones is the maximum number of zones.
	MaxZones = 10

	// MaxBlockFrames is the number of frames in a block of MaxOrder.
	MaxBlockFrames = 1 << MaxOrder

	maxBlockSize = MaxBlockFrames * hostarch.PageSize
)

// ErrNoMemory is returned when no zone has a free block large enough.
var ErrNoMemory = errors.New("out of physical memory")

// BlockSize returns the size in bytes of a block of the given order.
func BlockSize(order int) uint64 {
	return hostarch.PageSize << order
}

// PagesToOrder returns the smallest order whose blocks hold n frames.
//
// Precondition: 0 < n <= MaxBlockFrames.
func PagesToOrder(n uint64) int {
	if n == 0 || n > MaxBlockFrames {
		panic(fmt.Sprintf("pgalloc.PagesToOrder: invalid frame count %d", n))
	}
	return bits.Len64(n - 1)
}

// Allocator is a buddy allocator over one or more zones of physical memory.
type Allocator struct {
	mem *physmem.Memory

	// mu protects the fields below and the contents of every zone.
	mu sync.Mutex

	// zones holds the zones in registration order, which is the order in
	// which allocations try them.
	zones []*zone

	// index holds the same zones keyed by the start of their managed
	// range, and routes frees.
	index *btree.BTreeG[*zone]
}

// New returns an allocator with no zones over mem.
func New(mem *physmem.Memory) *Allocator {
	return &Allocator{
		mem: mem,
		index: btree.NewG[*zone](2, func(a, b *zone) bool {
			return a.start < b.start
		}),
	}
}

// Memory returns the physical memory managed by a.
func (a *Allocator) Memory() *physmem.Memory {
	return a.mem
}

// AddZone registers frames frames starting at base as a zone and returns
// the number of frames that became allocatable. Header frames for the pair
// bitmaps are taken from the start of the zone and the remainder is trimmed
// to whole, naturally aligned blocks of MaxOrder.
//
// AddZone panics if the zone cap is exceeded, base is not page aligned, the
// zone overlaps a registered zone, or no whole block of MaxOrder fits.
func (a *Allocator) AddZone(base hostarch.PhysAddr, frames uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.zones) == MaxZones {
		panic(fmt.Sprintf("pgalloc.AddZone: more than %d zones", MaxZones))
	}
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("pgalloc.AddZone: unaligned zone base %v", base))
	}
	if !a.mem.Contains(base, hostarch.PagesToBytes(frames)) {
		panic(fmt.Sprintf("pgalloc.AddZone: zone [%v, +%d frames) is outside physical memory", base, frames))
	}
	limit := base + hostarch.PhysAddr(hostarch.PagesToBytes(frames))
	for _, o := range a.zones {
		if base < o.limit && o.base < limit {
			panic(fmt.Sprintf("pgalloc.AddZone: zone [%v, %v) overlaps zone %v", base, limit, o))
		}
	}
	z := newZone(a.mem, base, frames)
	a.zones = append(a.zones, z)
	a.index.ReplaceOrInsert(z)
	accepted := z.frames()
	log.Infof("pgalloc: zone %d %v: %d of %d frames allocatable, %d header frames", len(a.zones)-1, z, accepted, frames, z.headerFrames)
	return accepted
}

// UsableFrames returns the number of frames AddZone would make allocatable
// for a zone of frames frames at base, or 0 if the zone is too small.
func UsableFrames(base hostarch.PhysAddr, frames uint64) uint64 {
	_, _, start, end := layout(base, frames)
	return uint64(end-start) >> hostarch.PageShift
}

// Allocate returns a zeroed block of 2^order frames, aligned to its size.
func (a *Allocator) Allocate(order int) (hostarch.PhysAddr, error) {
	if order < 0 || order > MaxOrder {
		panic(fmt.Sprintf("pgalloc.Allocate: invalid order %d", order))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, z := range a.zones {
		if p, ok := z.alloc(order); ok {
			a.mem.Zero(p, BlockSize(order))
			return p, nil
		}
	}
	return 0, ErrNoMemory
}

// Free returns a block of 2^order frames obtained from Allocate, merging it
// with its free buddies.
func (a *Allocator) Free(p hostarch.PhysAddr, order int) {
	if order < 0 || order > MaxOrder {
		panic(fmt.Sprintf("pgalloc.Free: invalid order %d", order))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	z := a.zoneFor(p)
	if z == nil || uint64(p)+BlockSize(order) > uint64(z.end) {
		panic(fmt.Sprintf("pgalloc.Free: block %v of order %d is not in any zone", p, order))
	}
	if !p.IsAligned(BlockSize(order)) {
		panic(fmt.Sprintf("pgalloc.Free: block %v is not aligned to order %d", p, order))
	}
	z.free(p, order)
}

// AllocatePages allocates a block holding n frames.
func (a *Allocator) AllocatePages(n uint64) (hostarch.PhysAddr, error) {
	return a.Allocate(PagesToOrder(n))
}

// FreePages frees a block obtained from AllocatePages(n).
func (a *Allocator) FreePages(p hostarch.PhysAddr, n uint64) {
	a.Free(p, PagesToOrder(n))
}

// AllocateFrame allocates a single zeroed frame.
func (a *Allocator) AllocateFrame() (hostarch.PhysAddr, error) {
	return a.Allocate(0)
}

// FreeFrame frees a single frame.
func (a *Allocator) FreeFrame(p hostarch.PhysAddr) {
	a.Free(p, 0)
}

// Owns returns true if p lies in the allocatable range of some zone.
func (a *Allocator) Owns(p hostarch.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zoneFor(p) != nil
}

// zoneFor returns the zone whose allocatable range contains p.
//
// Preconditions: a.mu is locked.
func (a *Allocator) zoneFor(p hostarch.PhysAddr) *zone {
	var found *zone
	a.index.DescendLessOrEqual(&zone{start: p}, func(z *zone) bool {
		found = z
		return false
	})
	if found == nil || p >= found.end {
		return nil
	}
	return found
}

// ZoneStats describes one zone.
type ZoneStats struct {
	// Base and Limit bound the registered range.
	Base  hostarch.PhysAddr
	Limit hostarch.PhysAddr

	// Start and End bound the allocatable range.
	Start hostarch.PhysAddr
	End   hostarch.PhysAddr

	HeaderFrames uint64
	FreeFrames   uint64

	// FreeBlocks holds the length of each order's free list.
	FreeBlocks [MaxOrder + 1]uint64
}

// Stats describes the allocator.
type Stats struct {
	Zones       []ZoneStats
	TotalFrames uint64
	FreeFrames  uint64
}

// Stats returns a snapshot of the allocator's state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for _, z := range a.zones {
		zs := ZoneStats{
			Base:         z.base,
			Limit:        z.limit,
			Start:        z.start,
			End:          z.end,
			HeaderFrames: z.headerFrames,
			FreeBlocks:   z.counts,
		}
		for order, n := range z.counts {
			zs.FreeFrames += n << order
		}
		s.Zones = append(s.Zones, zs)
		s.TotalFrames += z.frames()
		s.FreeFrames += zs.FreeFrames
	}
	return s
}
