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

package pgalloc

import (
	"fmt"

	"heavenos.dev/heavenos/pkg/bitmap"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/ilist"
	"heavenos.dev/heavenos/pkg/physmem"
)

// freeBlock is the header written at the start of every free block.
type freeBlock struct {
	ilist.Entry[freeBlock]
}

type blockList = ilist.List[freeBlock, *freeBlock]

// zone is one registered range of physical memory.
//
// The range [base, limit) was registered. Header frames start at base; the
// allocatable range [start, end) follows them and is aligned to the size of
// a MaxOrder block.
type zone struct {
	mem *physmem.Memory

	base, limit  hostarch.PhysAddr
	start, end   hostarch.PhysAddr
	headerFrames uint64

	lists  [MaxOrder + 1]blockList
	counts [MaxOrder + 1]uint64

	// pairs[k] has one bit per pair of order-k buddies. A bit is set iff
	// exactly one block of the pair is free. Blocks of MaxOrder have no
	// buddies.
	pairs [MaxOrder]bitmap.Bitmap
}

// layout returns the bitmap sizes, header size and allocatable range of a
// zone of frames frames at base. The range is empty if no aligned block of
// MaxOrder fits after the header.
func layout(base hostarch.PhysAddr, frames uint64) (words [MaxOrder]uint64, headerFrames uint64, start, end hostarch.PhysAddr) {
	// Size the bitmaps for the whole zone; the allocatable range can only
	// be smaller.
	var total uint64
	for order := 0; order < MaxOrder; order++ {
		words[order] = uint64(bitmap.WordsFor(uint32(frames >> (order + 1))))
		total += words[order]
	}
	headerFrames = hostarch.BytesToPages(total * 8)
	headerEnd := base + hostarch.PhysAddr(hostarch.PagesToBytes(headerFrames))

	start = (headerEnd + maxBlockSize - 1) &^ (maxBlockSize - 1)
	end = (base + hostarch.PhysAddr(hostarch.PagesToBytes(frames))) &^ (maxBlockSize - 1)
	if start < headerEnd || end <= start {
		return words, headerFrames, start, start
	}
	return words, headerFrames, start, end
}

func newZone(mem *physmem.Memory, base hostarch.PhysAddr, frames uint64) *zone {
	z := &zone{
		mem:   mem,
		base:  base,
		limit: base + hostarch.PhysAddr(hostarch.PagesToBytes(frames)),
	}
	var words [MaxOrder]uint64
	words, z.headerFrames, z.start, z.end = layout(base, frames)
	if z.end == z.start {
		panic(fmt.Sprintf("pgalloc.AddZone: zone [%v, %v) holds no aligned block of order %d", z.base, z.limit, MaxOrder))
	}

	mem.Zero(base, hostarch.PagesToBytes(z.headerFrames))
	p := base
	for order := 0; order < MaxOrder; order++ {
		z.pairs[order] = bitmap.FromWords(mem.Words(p, words[order]))
		p += hostarch.PhysAddr(words[order] * 8)
	}

	for b := z.start; b < z.end; b += maxBlockSize {
		z.push(MaxOrder, b)
	}
	return z
}

// String implements fmt.Stringer.String.
func (z *zone) String() string {
	return fmt.Sprintf("[%v, %v)", z.base, z.limit)
}

// frames returns the number of allocatable frames.
func (z *zone) frames() uint64 {
	return uint64(z.end-z.start) >> hostarch.PageShift
}

func (z *zone) block(p hostarch.PhysAddr) *freeBlock {
	return (*freeBlock)(z.mem.Pointer(p))
}

func (z *zone) push(order int, p hostarch.PhysAddr) {
	b := z.block(p)
	*b = freeBlock{}
	z.lists[order].PushFront(b)
	z.counts[order]++
}

func (z *zone) pop(order int) hostarch.PhysAddr {
	b := z.lists[order].PopFront()
	z.counts[order]--
	return z.mem.AddrOf(unsafePointer(b))
}

func (z *zone) remove(order int, p hostarch.PhysAddr) {
	z.lists[order].Remove(z.block(p))
	z.counts[order]--
}

// flip toggles the pair bit of the order-k block at p and returns its new
// value.
func (z *zone) flip(order int, p hostarch.PhysAddr) bool {
	return z.pairs[order].Flip(uint32((p - z.start) >> (hostarch.PageShift + order + 1)))
}

// alloc takes a block of the given order, splitting a larger block if no
// block of that order is free.
func (z *zone) alloc(order int) (hostarch.PhysAddr, bool) {
	k := order
	for k <= MaxOrder && z.lists[k].Empty() {
		k++
	}
	if k > MaxOrder {
		return 0, false
	}
	p := z.pop(k)
	if k < MaxOrder {
		z.flip(k, p)
	}
	for k > order {
		k--
		upper := p + hostarch.PhysAddr(BlockSize(k))
		z.push(k, upper)
		z.flip(k, upper)
	}
	return p, true
}

// free returns a block and merges it with its buddies for as long as they
// are free.
func (z *zone) free(p hostarch.PhysAddr, order int) {
	for order < MaxOrder {
		if z.flip(order, p) {
			// The buddy is in use.
			break
		}
		buddy := p ^ hostarch.PhysAddr(BlockSize(order))
		z.remove(order, buddy)
		p = min(p, buddy)
		order++
	}
	z.push(order, p)
}
