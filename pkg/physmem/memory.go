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

// Package physmem provides the simulated machine's physical memory and the
// boot memory map that describes it.
//
// Physical address p is backed by byte p of a single host mapping. The
// kernel reaches physical memory through the direct mapping at
// DirectMapBase, which KernelAddr and PhysFromKernel convert to and from.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// DirectMapBase is the kernel virtual address of physical address zero.
const DirectMapBase hostarch.Addr = 0xffff888000000000

// KernelAddr returns the direct-mapped kernel address of p.
func KernelAddr(p hostarch.PhysAddr) hostarch.Addr {
	return DirectMapBase + hostarch.Addr(p)
}

// PhysFromKernel returns the physical address behind the direct-mapped
// kernel address v. ok is false if v is below the direct mapping.
func PhysFromKernel(v hostarch.Addr) (p hostarch.PhysAddr, ok bool) {
	if v < DirectMapBase {
		return 0, false
	}
	return hostarch.PhysAddr(v - DirectMapBase), true
}

// Memory is the simulated physical memory.
type Memory struct {
	data []byte
}

// New maps size bytes of zeroed physical memory. size is rounded up to a
// page.
func New(size uint64) (*Memory, error) {
	size = uint64(hostarch.PhysAddr(size).RoundUp())
	if size == 0 {
		return nil, fmt.Errorf("physmem: empty memory")
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mapping %d bytes: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Close releases the host mapping. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the number of bytes of physical memory.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Contains returns true if [p, p+length) is backed.
func (m *Memory) Contains(p hostarch.PhysAddr, length uint64) bool {
	end := uint64(p) + length
	return end >= uint64(p) && end <= m.Size()
}

// Bytes returns the slice backing [p, p+length).
//
// Precondition: the range is backed.
func (m *Memory) Bytes(p hostarch.PhysAddr, length uint64) []byte {
	if !m.Contains(p, length) {
		panic(fmt.Sprintf("physmem.Bytes: [%v, +%#x) outside %#x bytes of memory", p, length, m.Size()))
	}
	return m.data[p : uint64(p)+length : uint64(p)+length]
}

// Zero clears [p, p+length).
func (m *Memory) Zero(p hostarch.PhysAddr, length uint64) {
	clear(m.Bytes(p, length))
}

// Copy copies length bytes from src to dst. The ranges must not overlap.
func (m *Memory) Copy(dst, src hostarch.PhysAddr, length uint64) {
	copy(m.Bytes(dst, length), m.Bytes(src, length))
}
