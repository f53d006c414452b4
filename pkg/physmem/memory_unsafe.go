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
	"unsafe"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// Pointer returns a pointer to physical address p.
//
// Memory behind the pointer is not scanned by the Go garbage collector, so
// it must never hold references to Go-allocated objects.
func (m *Memory) Pointer(p hostarch.PhysAddr) unsafe.Pointer {
	if !m.Contains(p, 1) {
		panic(fmt.Sprintf("physmem.Pointer: %v outside %#x bytes of memory", p, m.Size()))
	}
	return unsafe.Pointer(&m.data[p])
}

// AddrOf is the inverse of Pointer.
func (m *Memory) AddrOf(ptr unsafe.Pointer) hostarch.PhysAddr {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	off := uintptr(ptr) - base
	if uintptr(ptr) < base || uint64(off) >= m.Size() {
		panic(fmt.Sprintf("physmem.AddrOf: %#x is not in physical memory", uintptr(ptr)))
	}
	return hostarch.PhysAddr(off)
}

// Words returns n 64-bit words starting at p, which must be 8-byte aligned.
func (m *Memory) Words(p hostarch.PhysAddr, n uint64) []uint64 {
	if !p.IsAligned(8) {
		panic(fmt.Sprintf("physmem.Words: %v is not 8-byte aligned", p))
	}
	b := m.Bytes(p, n*8)
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
