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

// Package vmem manages address spaces: one page table tree plus the list of
// areas declared in it.
//
// Areas describe intended mappings. Pages inside an area are backed on first
// access by HandlePageFault, and such pages are marked allocated on demand
// so that they are freed with the area and copied when the address space
// is cloned. Other mappings, such as the kernel's direct mapping, are
// shared by clones.
package vmem

import (
	"errors"
	"fmt"
	"strings"

	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/ilist"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/objalloc"
	"heavenos.dev/heavenos/pkg/pagetables"
	"heavenos.dev/heavenos/pkg/pgalloc"
	"heavenos.dev/heavenos/pkg/physmem"
)

// ErrNoMemory is returned when frames or area records run out.
var ErrNoMemory = pgalloc.ErrNoMemory

// Flags are the access flags of an area.
type Flags uint8

// Area flags.
const (
	Write Flags = 1 << iota
	User
)

// PTE returns the page table flags granting f.
func (f Flags) PTE() pagetables.PTE {
	var p pagetables.PTE
	if f&Write != 0 {
		p |= pagetables.Writable
	}
	if f&User != 0 {
		p |= pagetables.User
	}
	return p
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	b := []byte("r--")
	if f&Write != 0 {
		b[1] = 'w'
	}
	if f&User != 0 {
		b[2] = 'u'
	}
	return string(b)
}

// Area is a declared range of virtual memory.
type Area struct {
	Start hostarch.Addr
	Pages uint64
	Flags Flags
}

// End returns the first address past the area.
func (a Area) End() hostarch.Addr {
	return a.Start + hostarch.Addr(hostarch.PagesToBytes(a.Pages))
}

// Contains returns true if addr is inside the area.
func (a Area) Contains(addr hostarch.Addr) bool {
	return a.Start <= addr && addr < a.End()
}

// Overlaps returns true if the two areas share a page.
func (a Area) Overlaps(o Area) bool {
	return a.Start < o.End() && o.Start < a.End()
}

// String implements fmt.Stringer.String.
func (a Area) String() string {
	return fmt.Sprintf("[%v, %v) %v", a.Start, a.End(), a.Flags)
}

// areaRecord is an area on an address space's list. Records are allocated
// from an objalloc pool.
type areaRecord struct {
	ilist.Entry[areaRecord]
	Area
}

type areaList = ilist.List[areaRecord, *areaRecord]

// AddressSpace is one page table tree and its areas.
type AddressSpace struct {
	pt    *pagetables.PageTables
	areas areaList
}

// Root returns the physical address of the root page table.
func (as *AddressSpace) Root() hostarch.PhysAddr {
	return as.pt.Root()
}

// MMU loads page table roots into the translation hardware.
type MMU interface {
	LoadCR3(root hostarch.PhysAddr)
}

// Manager owns every address space.
type Manager struct {
	mem    *physmem.Memory
	frames *pgalloc.Allocator
	areas  *objalloc.Pool[areaRecord]
	mmu    MMU
	active *AddressSpace
}

// NewManager returns a Manager drawing memory from frames and switching
// spaces through mmu.
func NewManager(frames *pgalloc.Allocator, mmu MMU) *Manager {
	return &Manager{
		mem:    frames.Memory(),
		frames: frames,
		areas:  objalloc.NewPool[areaRecord](frames),
		mmu:    mmu,
	}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (m *Manager) NewPTEs() (hostarch.PhysAddr, error) {
	return m.frames.AllocateFrame()
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (m *Manager) FreePTEs(p hostarch.PhysAddr) {
	m.frames.FreeFrame(p)
}

// New returns an empty address space.
func (m *Manager) New() (*AddressSpace, error) {
	pt, err := pagetables.New(m.mem, m)
	if err != nil {
		return nil, fmt.Errorf("vmem.New: %w", err)
	}
	return &AddressSpace{pt: pt}, nil
}

// NewFromRoot adopts an existing page table tree, such as the one built
// during boot.
func (m *Manager) NewFromRoot(root hostarch.PhysAddr) *AddressSpace {
	return &AddressSpace{pt: pagetables.NewFromRoot(m.mem, m, root)}
}

// Active returns the address space loaded in the MMU.
func (m *Manager) Active() *AddressSpace {
	return m.active
}

// SwitchTo loads as into the MMU.
func (m *Manager) SwitchTo(as *AddressSpace) {
	m.mmu.LoadCR3(as.Root())
	m.active = as
}

// AllocArea declares pages pages at addr. It does not map anything.
//
// AllocArea panics if addr is not page aligned, pages is zero, or the area
// overlaps an existing one.
func (m *Manager) AllocArea(as *AddressSpace, addr hostarch.Addr, pages uint64, flags Flags) error {
	if !addr.IsPageAligned() || pages == 0 {
		panic(fmt.Sprintf("vmem.AllocArea: invalid area %v +%d pages", addr, pages))
	}
	if _, ok := addr.AddLength(hostarch.PagesToBytes(pages)); !ok {
		panic(fmt.Sprintf("vmem.AllocArea: area %v +%d pages wraps", addr, pages))
	}
	a := Area{Start: addr, Pages: pages, Flags: flags}
	for r := as.areas.Front(); r != nil; r = r.Next() {
		if r.Overlaps(a) {
			log.Warningf("vmem: area %v overlaps %v", a, r.Area)
			panic(fmt.Sprintf("vmem.AllocArea: area %v overlaps %v", a, r.Area))
		}
	}
	r, err := m.areas.Alloc()
	if err != nil {
		return fmt.Errorf("vmem.AllocArea: %w", err)
	}
	r.Area = a
	as.areas.PushBack(r)
	return nil
}

// FreeArea removes the area declared by the matching AllocArea call and
// frees every page in it that was allocated on demand.
//
// FreeArea panics if no area matches exactly.
func (m *Manager) FreeArea(as *AddressSpace, addr hostarch.Addr, pages uint64) {
	r := as.findRecord(addr)
	if r == nil || r.Start != addr || r.Pages != pages {
		panic(fmt.Sprintf("vmem.FreeArea: no area %v +%d pages", addr, pages))
	}
	as.pt.VisitRange(r.Start, r.End(), func(va hostarch.Addr, e *pagetables.PTE, level int) bool {
		if e.HasFlags(pagetables.OnDemand) {
			m.freeLeaf(*e, level)
			e.Clear()
		}
		return true
	})
	as.areas.Remove(r)
	m.areas.Free(r)
}

func (as *AddressSpace) findRecord(addr hostarch.Addr) *areaRecord {
	for r := as.areas.Front(); r != nil; r = r.Next() {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// FindArea returns the area containing addr.
func (m *Manager) FindArea(as *AddressSpace, addr hostarch.Addr) (Area, bool) {
	if r := as.findRecord(addr); r != nil {
		return r.Area, true
	}
	return Area{}, false
}

// Areas returns the areas of as in declaration order.
func (m *Manager) Areas(as *AddressSpace) []Area {
	var areas []Area
	for r := as.areas.Front(); r != nil; r = r.Next() {
		areas = append(areas, r.Area)
	}
	return areas
}

// CheckUserAccess returns true if every byte of [addr, addr+length) lies in
// user areas of as, which must also be writable if write is set.
func (m *Manager) CheckUserAccess(as *AddressSpace, addr hostarch.Addr, length uint64, write bool) bool {
	end, ok := addr.AddLength(length)
	if !ok {
		return false
	}
	for cur := addr; cur < end; {
		r := as.findRecord(cur)
		if r == nil || r.Flags&User == 0 || (write && r.Flags&Write == 0) {
			return false
		}
		cur = r.End()
	}
	return true
}

// HandlePageFault backs the page containing addr in the active address
// space if an area covers it. It returns false if the fault is not one
// that demand paging resolves: no area covers addr, the page is already
// mapped, or no frame is available.
func (m *Manager) HandlePageFault(addr hostarch.Addr) bool {
	if m.active == nil {
		return false
	}
	return m.populate(m.active, addr) == nil
}

var errNoArea = errors.New("no area")

// populate backs the page containing addr with a fresh frame.
func (m *Manager) populate(as *AddressSpace, addr hostarch.Addr) error {
	r := as.findRecord(addr)
	if r == nil {
		return errNoArea
	}
	page := addr.RoundDown()
	if _, _, ok := as.pt.Lookup(page); ok {
		return fmt.Errorf("page %v is already mapped", page)
	}
	frame, err := m.frames.AllocateFrame()
	if err != nil {
		log.Warningf("vmem: no frame to back %v: %v", page, err)
		return err
	}
	if err := as.pt.Map(page, frame, hostarch.LevelPT, r.Flags.PTE()|pagetables.OnDemand); err != nil {
		m.frames.FreeFrame(frame)
		return err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("vmem: demand-mapped %v -> %v", page, frame)
	}
	return nil
}

func (m *Manager) mapLeaf(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, level int, flags pagetables.PTE) error {
	if err := as.pt.Map(virt, phys, level, flags); err != nil {
		return fmt.Errorf("vmem: mapping %v: %w", virt, err)
	}
	return nil
}

// MapPage maps a 4 KiB page. Intermediate tables are allocated as needed;
// mapping over a present entry panics.
func (m *Manager) MapPage(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, flags pagetables.PTE) error {
	return m.mapLeaf(as, virt, phys, hostarch.LevelPT, flags)
}

// MapPage2MB maps a 2 MiB page.
func (m *Manager) MapPage2MB(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, flags pagetables.PTE) error {
	return m.mapLeaf(as, virt, phys, hostarch.LevelPD, flags)
}

// MapPage1GB maps a 1 GiB page.
func (m *Manager) MapPage1GB(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, flags pagetables.PTE) error {
	return m.mapLeaf(as, virt, phys, hostarch.LevelPDPT, flags)
}

// UnmapPage removes the mapping covering virt, freeing its frames if they
// were allocated on demand. Nothing happens if virt is not mapped.
func (m *Manager) UnmapPage(as *AddressSpace, virt hostarch.Addr) {
	if pte, level, ok := as.pt.Unmap(virt); ok && pte.HasFlags(pagetables.OnDemand) {
		m.freeLeaf(pte, level)
	}
}

// Mapped returns the physical address virt translates to in as and the
// leaf entry that maps it.
func (m *Manager) Mapped(as *AddressSpace, virt hostarch.Addr) (hostarch.PhysAddr, pagetables.PTE, bool) {
	return as.pt.Translate(virt)
}

func leafFrames(level int) uint64 {
	return hostarch.LevelSize(level) >> hostarch.PageShift
}

func (m *Manager) freeLeaf(pte pagetables.PTE, level int) {
	m.frames.FreePages(pte.Address(), leafFrames(level))
}

// Clone copies the areas and mappings of src into dst, which should be
// empty. Pages allocated on demand are duplicated into new frames; every
// other mapping is shared. On error dst holds a partial copy and should be
// destroyed.
func (m *Manager) Clone(dst, src *AddressSpace) error {
	for r := src.areas.Front(); r != nil; r = r.Next() {
		if err := m.AllocArea(dst, r.Start, r.Pages, r.Flags); err != nil {
			return fmt.Errorf("vmem.Clone: %w", err)
		}
	}
	var err error
	src.pt.Visit(func(addr hostarch.Addr, pte pagetables.PTE, level int) bool {
		phys := pte.Address()
		if pte.HasFlags(pagetables.OnDemand) {
			n := leafFrames(level)
			if n > pgalloc.MaxBlockFrames {
				err = fmt.Errorf("vmem.Clone: cannot duplicate %#x-byte page at %v: %w", hostarch.LevelSize(level), addr, ErrNoMemory)
				return false
			}
			var copyPhys hostarch.PhysAddr
			if copyPhys, err = m.frames.AllocatePages(n); err != nil {
				err = fmt.Errorf("vmem.Clone: %w", err)
				return false
			}
			m.mem.Copy(copyPhys, phys, hostarch.LevelSize(level))
			phys = copyPhys
			if err = dst.pt.Map(addr, phys, level, pte.Flags()); err != nil {
				m.frames.FreePages(phys, n)
				err = fmt.Errorf("vmem.Clone: %w", err)
				return false
			}
			return true
		}
		if err = dst.pt.Map(addr, phys, level, pte.Flags()); err != nil {
			err = fmt.Errorf("vmem.Clone: %w", err)
			return false
		}
		return true
	})
	return err
}

// Destroy frees as: frames allocated on demand, every table and every area
// record.
//
// Destroy panics if as is active.
func (m *Manager) Destroy(as *AddressSpace) {
	if as == m.active {
		panic("vmem.Destroy: destroying the active address space")
	}
	as.pt.Release(func(_ hostarch.Addr, pte pagetables.PTE, level int) {
		if pte.HasFlags(pagetables.OnDemand) {
			m.freeLeaf(pte, level)
		}
	})
	for r := as.areas.PopFront(); r != nil; r = as.areas.PopFront() {
		m.areas.Free(r)
	}
}

// AreaRecords returns the number of live area records in all spaces.
func (m *Manager) AreaRecords() int {
	return m.areas.InUse()
}

// CopyOut writes data to addr in as from kernel mode. Unbacked pages of
// areas are populated first.
func (m *Manager) CopyOut(as *AddressSpace, addr hostarch.Addr, data []byte) error {
	return m.access(as, addr, uint64(len(data)), func(p hostarch.PhysAddr, off, n uint64) {
		copy(m.mem.Bytes(p, n), data[off:off+n])
	})
}

// CopyIn reads len(data) bytes at addr in as from kernel mode.
func (m *Manager) CopyIn(as *AddressSpace, addr hostarch.Addr, data []byte) error {
	return m.access(as, addr, uint64(len(data)), func(p hostarch.PhysAddr, off, n uint64) {
		copy(data[off:off+n], m.mem.Bytes(p, n))
	})
}

func (m *Manager) access(as *AddressSpace, addr hostarch.Addr, length uint64, fn func(p hostarch.PhysAddr, off, n uint64)) error {
	for off := uint64(0); off < length; {
		va := addr + hostarch.Addr(off)
		p, _, ok := as.pt.Translate(va)
		if !ok {
			if err := m.populate(as, va); err != nil {
				return fmt.Errorf("vmem: access to %v: %w", va, err)
			}
			continue
		}
		n := min(length-off, hostarch.PageSize-va.PageOffset())
		fn(p, off, n)
		off += n
	}
	return nil
}

// Dump describes as.
func (m *Manager) Dump(as *AddressSpace) string {
	var b strings.Builder
	for r := as.areas.Front(); r != nil; r = r.Next() {
		fmt.Fprintf(&b, "area %v\n", r.Area)
	}
	b.WriteString(as.pt.Dump())
	return b.String()
}
