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

package pagetables

import (
	"heavenos.dev/heavenos/pkg/hostarch"
)

// Walks operate on linear addresses, the low 48 bits of a canonical
// address, so that ranges never wrap.
const linearEnd = 1 << 48

func linear(addr hostarch.Addr) uint64 {
	return uint64(addr) & (linearEnd - 1)
}

// addrEnd returns the next boundary of size after addr, or end if that
// comes earlier. size is a power of two.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// visitor is called for each present leaf.
type visitor func(addr hostarch.Addr, e *PTE, level int) bool

// iterateRange walks every present leaf overlapping [start, end).
func (p *PageTables) iterateRange(start, end uint64, v visitor) bool {
	return p.walkLevel(p.root, hostarch.LevelPML4, start, end, v)
}

func (p *PageTables) walkLevel(table hostarch.PhysAddr, level int, start, end uint64, v visitor) bool {
	entries := p.entries(table)
	size := hostarch.LevelSize(level)
	for start < end {
		next := addrEnd(start, end, size)
		e := &entries[hostarch.Addr(start).Index(level)]
		switch {
		case !e.Valid():
			// Nothing below.
		case level == hostarch.LevelPT || (level != hostarch.LevelPML4 && e.IsHuge()):
			if !v(hostarch.Canonical(start&^(size-1)), e, level) {
				return false
			}
		default:
			if !p.walkLevel(e.Address(), level+1, start, next, v) {
				return false
			}
		}
		start = next
	}
	return true
}

// release frees table and everything below it.
func (p *PageTables) release(table hostarch.PhysAddr, level int, base uint64, fn func(hostarch.Addr, PTE, int)) {
	entries := p.entries(table)
	size := hostarch.LevelSize(level)
	for i := range entries {
		e := entries[i]
		if !e.Valid() {
			continue
		}
		addr := base + uint64(i)*size
		if level == hostarch.LevelPT || (level != hostarch.LevelPML4 && e.IsHuge()) {
			if fn != nil {
				fn(hostarch.Canonical(addr), e, level)
			}
			continue
		}
		p.release(e.Address(), level+1, addr, fn)
	}
	p.Allocator.FreePTEs(table)
}
