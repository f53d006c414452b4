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

// Package objalloc allocates fixed-size kernel records from physical frames.
//
// A Pool carves frames into cache-line aligned slots and chains free slots
// through their first word. Frames are never returned to the frame
// allocator.
package objalloc

import (
	"fmt"
	"unsafe"

	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/pgalloc"
)

// slot overlays a free slot.
type slot struct {
	next *slot
}

// Pool allocates values of type T.
//
// Values live in simulated physical memory, which the garbage collector
// does not scan, so T must not contain pointers to Go-allocated memory.
type Pool[T any] struct {
	frames   *pgalloc.Allocator
	slotSize uintptr
	free     *slot
	inUse    int
	nframes  int
}

// NewPool returns an empty pool drawing frames from frames.
func NewPool[T any](frames *pgalloc.Allocator) *Pool[T] {
	var zero T
	size := max(unsafe.Sizeof(zero), unsafe.Sizeof(slot{}))
	size = (size + hostarch.CacheLineSize - 1) &^ (hostarch.CacheLineSize - 1)
	if size > hostarch.PageSize {
		panic(fmt.Sprintf("objalloc.NewPool: %T is %d bytes, larger than a frame", zero, unsafe.Sizeof(zero)))
	}
	return &Pool[T]{frames: frames, slotSize: size}
}

// Alloc returns a zeroed value.
func (p *Pool[T]) Alloc() (*T, error) {
	if p.free == nil {
		if err := p.refill(); err != nil {
			return nil, err
		}
	}
	s := p.free
	p.free = s.next
	p.inUse++
	v := (*T)(unsafe.Pointer(s))
	var zero T
	*v = zero
	return v, nil
}

// Free returns v to the pool.
func (p *Pool[T]) Free(v *T) {
	if p.inUse == 0 {
		panic("objalloc.Free: pool has no live objects")
	}
	s := (*slot)(unsafe.Pointer(v))
	s.next = p.free
	p.free = s
	p.inUse--
}

// InUse returns the number of live objects.
func (p *Pool[T]) InUse() int {
	return p.inUse
}

// Frames returns the number of frames taken from the frame allocator.
func (p *Pool[T]) Frames() int {
	return p.nframes
}

// SlotsPerFrame returns the number of objects carved from each frame.
func (p *Pool[T]) SlotsPerFrame() int {
	return int(hostarch.PageSize / p.slotSize)
}

func (p *Pool[T]) refill() error {
	frame, err := p.frames.AllocateFrame()
	if err != nil {
		return fmt.Errorf("objalloc: refilling pool: %w", err)
	}
	p.nframes++
	mem := p.frames.Memory()
	// Chain the slots so the lowest address is handed out first.
	for off := uintptr(hostarch.PageSize) / p.slotSize * p.slotSize; off > 0; {
		off -= p.slotSize
		s := (*slot)(mem.Pointer(frame + hostarch.PhysAddr(off)))
		s.next = p.free
		p.free = s
	}
	return nil
}
