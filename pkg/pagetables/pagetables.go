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

// Package pagetables manipulates 4-level x86-64 page tables held in
// simulated physical memory.
//
// Entries use the hardware layout: present (bit 0), writable (1), user (2),
// huge (7) and the physical address in bits 12-47. Bit 10, ignored by the
// hardware, marks leaves whose frame was allocated on demand by the owner of
// the tables.
package pagetables

import (
	"fmt"
	"strings"

	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/physmem"
)

// PTE is a page table entry.
type PTE uint64

// Entry bits.
const (
	Present  PTE = 1 << 0
	Writable PTE = 1 << 1
	User     PTE = 1 << 2
	Huge     PTE = 1 << 7
	OnDemand PTE = 1 << 10

	addrMask PTE = 0x0000fffffffff000
	flagMask     = ^addrMask
)

// PTEs is a single page table.
type PTEs [hostarch.EntriesPerTable]PTE

// Valid returns true iff the entry is present.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// IsHuge returns true iff the entry maps a 2 MiB or 1 GiB page.
func (p PTE) IsHuge() bool {
	return p&Huge != 0
}

// Address returns the physical address in the entry.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p & addrMask)
}

// Flags returns the entry without its address.
func (p PTE) Flags() PTE {
	return p & flagMask
}

// HasFlags returns true iff every bit of flags is set.
func (p PTE) HasFlags(flags PTE) bool {
	return p&flags == flags
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "-"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v ", p.Address())
	for _, f := range []struct {
		bit  PTE
		name byte
	}{{Writable, 'w'}, {User, 'u'}, {Huge, 'h'}, {OnDemand, 'd'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MakePTE returns a present entry for phys with the given flags.
func MakePTE(phys hostarch.PhysAddr, flags PTE) PTE {
	return PTE(phys)&addrMask | flags&flagMask | Present
}

// Clear clears the entry.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets the entry.
func (p *PTE) Set(phys hostarch.PhysAddr, flags PTE) {
	*p = MakePTE(phys, flags)
}

// setPageTable points the entry at a lower-level table. Intermediate entries
// grant everything; leaves carry the effective permissions.
func (p *PTE) setPageTable(table hostarch.PhysAddr) {
	p.Set(table, Writable|User)
}

// Allocator provides frames for page tables.
type Allocator interface {
	// NewPTEs returns a zeroed frame for a table.
	NewPTEs() (hostarch.PhysAddr, error)

	// FreePTEs frees a table frame.
	FreePTEs(hostarch.PhysAddr)
}

// PageTables is one page table tree.
type PageTables struct {
	// Allocator is used to allocate and free intermediate tables.
	Allocator Allocator

	mem  *physmem.Memory
	root hostarch.PhysAddr
}

// New returns an empty tree with a fresh root.
func New(mem *physmem.Memory, a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{Allocator: a, mem: mem, root: root}, nil
}

// NewFromRoot returns a tree rooted at an existing table. a may be nil if
// the tree is only read.
func NewFromRoot(mem *physmem.Memory, a Allocator, root hostarch.PhysAddr) *PageTables {
	return &PageTables{Allocator: a, mem: mem, root: root}
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() hostarch.PhysAddr {
	return p.root
}

// checkLeafLevel panics unless level may hold leaves.
func checkLeafLevel(level int) {
	if level < hostarch.LevelPDPT || level > hostarch.LevelPT {
		panic(fmt.Sprintf("pagetables: level %d cannot hold leaves", level))
	}
}

// Map installs a leaf at the given level mapping addr to phys, allocating
// intermediate tables as needed. The leaf is made present, and huge unless
// level is LevelPT.
//
// Map panics if addr or phys is not aligned to the leaf size, if the slot is
// already present, or if a larger page already covers addr. It returns an
// error only if a table cannot be allocated.
func (p *PageTables) Map(addr hostarch.Addr, phys hostarch.PhysAddr, level int, flags PTE) error {
	checkLeafLevel(level)
	size := hostarch.LevelSize(level)
	if !addr.IsAligned(size) || !phys.IsAligned(size) {
		panic(fmt.Sprintf("pagetables.Map: %v -> %v is not aligned to %#x", addr, phys, size))
	}
	table := p.root
	for l := hostarch.LevelPML4; l < level; l++ {
		e := &p.entries(table)[addr.Index(l)]
		switch {
		case !e.Valid():
			t, err := p.Allocator.NewPTEs()
			if err != nil {
				return err
			}
			e.setPageTable(t)
		case e.IsHuge():
			panic(fmt.Sprintf("pagetables.Map: %v is inside a huge page at level %d", addr, l))
		}
		table = e.Address()
	}
	e := &p.entries(table)[addr.Index(level)]
	if e.Valid() {
		panic(fmt.Sprintf("pagetables.Map: %v is already mapped (%v)", addr, *e))
	}
	flags &^= Huge
	if level != hostarch.LevelPT {
		flags |= Huge
	}
	e.Set(phys, flags)
	return nil
}

// leaf returns the leaf entry for addr and its level, or nil if addr is not
// mapped.
func (p *PageTables) leaf(addr hostarch.Addr) (*PTE, int) {
	table := p.root
	for l := hostarch.LevelPML4; ; l++ {
		e := &p.entries(table)[addr.Index(l)]
		if !e.Valid() {
			return nil, 0
		}
		if l == hostarch.LevelPT || (l != hostarch.LevelPML4 && e.IsHuge()) {
			return e, l
		}
		table = e.Address()
	}
}

// Lookup returns the leaf covering addr and its level.
func (p *PageTables) Lookup(addr hostarch.Addr) (pte PTE, level int, ok bool) {
	e, l := p.leaf(addr)
	if e == nil {
		return 0, 0, false
	}
	return *e, l, true
}

// Translate returns the physical address addr maps to.
func (p *PageTables) Translate(addr hostarch.Addr) (hostarch.PhysAddr, PTE, bool) {
	e, l := p.leaf(addr)
	if e == nil {
		return 0, 0, false
	}
	off := uint64(addr) & (hostarch.LevelSize(l) - 1)
	return e.Address() + hostarch.PhysAddr(off), *e, true
}

// Unmap clears the leaf covering addr and returns it. Missing levels are not
// an error; ok is false if nothing was mapped. Tables left empty are kept.
func (p *PageTables) Unmap(addr hostarch.Addr) (pte PTE, level int, ok bool) {
	e, l := p.leaf(addr)
	if e == nil {
		return 0, 0, false
	}
	pte = *e
	e.Clear()
	return pte, l, true
}

// Visit calls fn for every present leaf in address order, with the base
// address it maps. Iteration stops when fn returns false.
func (p *PageTables) Visit(fn func(addr hostarch.Addr, pte PTE, level int) bool) {
	p.iterateRange(0, linearEnd, func(addr hostarch.Addr, e *PTE, level int) bool {
		return fn(addr, *e, level)
	})
}

// VisitRange is like Visit, restricted to leaves overlapping [start, end).
// The leaf entry may be modified through the pointer passed to fn.
func (p *PageTables) VisitRange(start, end hostarch.Addr, fn func(addr hostarch.Addr, e *PTE, level int) bool) {
	if end <= start {
		return
	}
	p.iterateRange(linear(start), linear(end-1)+1, fn)
}

// Release frees every table of the tree, root included, after calling fn
// for each present leaf. The tree must not be used afterwards.
func (p *PageTables) Release(fn func(addr hostarch.Addr, pte PTE, level int)) {
	p.release(p.root, hostarch.LevelPML4, 0, fn)
	p.root = 0
}

// Dump writes one line per present leaf.
func (p *PageTables) Dump() string {
	var b strings.Builder
	p.Visit(func(addr hostarch.Addr, pte PTE, level int) bool {
		fmt.Fprintf(&b, "%v +%#x: %v\n", addr, hostarch.LevelSize(level), pte)
		return true
	})
	return b.String()
}
