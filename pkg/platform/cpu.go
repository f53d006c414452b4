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

package platform

import (
	"encoding/binary"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/pagetables"
)

type accessType int

const (
	accessRead accessType = iota
	accessWrite
	accessFetch
)

// translate translates a user access through the loaded page tables. On
// failure it returns the page fault error code.
func (m *Machine) translate(va hostarch.Addr, at accessType) (hostarch.PhysAddr, uint64, bool) {
	code := uint64(FaultUser)
	switch at {
	case accessWrite:
		code |= FaultWrite
	case accessFetch:
		code |= FaultFetch
	}
	if m.pt == nil {
		return 0, code, false
	}
	p, pte, ok := m.pt.Translate(va)
	if !ok {
		return 0, code, false
	}
	if !pte.HasFlags(pagetables.User) || (at == accessWrite && !pte.HasFlags(pagetables.Writable)) || !m.mem.Contains(p, 1) {
		return 0, code | FaultPresent, false
	}
	return p, 0, true
}

// userAccess copies between b and user memory at va, page by page. If a
// page faults, the fault is raised and false is returned; the instruction
// is then retried.
func (m *Machine) userAccess(c *Context, va hostarch.Addr, b []byte, at accessType) bool {
	for off := 0; off < len(b); {
		addr := va + hostarch.Addr(off)
		p, code, ok := m.translate(addr, at)
		if !ok {
			m.raise(&TrapFrame{
				Vector:    VectorPageFault,
				ErrorCode: code,
				CR2:       addr,
				User:      true,
				Regs:      &c.regs,
			})
			return false
		}
		n := min(len(b)-off, int(hostarch.PageSize-addr.PageOffset()))
		if at == accessWrite {
			copy(m.mem.Bytes(p, uint64(n)), b[off:off+n])
		} else {
			copy(b[off:off+n], m.mem.Bytes(p, uint64(n)))
		}
		off += n
	}
	return true
}

func (m *Machine) load64(c *Context, va hostarch.Addr) (uint64, bool) {
	var b [8]byte
	if !m.userAccess(c, va, b[:], accessRead) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func (m *Machine) store64(c *Context, va hostarch.Addr, v uint64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.userAccess(c, va, b[:], accessWrite)
}

// deliverUser delivers pending interrupts at an instruction boundary.
func (m *Machine) deliverUser(c *Context) {
	for m.takePending() {
		m.raise(&TrapFrame{Vector: VectorTimer, User: true, Regs: &c.regs})
	}
}

// runUser executes c's user code. It never returns: a user context ends
// only by being destroyed while switched out.
func (m *Machine) runUser(c *Context) {
	for {
		m.deliverUser(c)
		m.step(c)
	}
}

// step executes one instruction. If the instruction faults, the fault is
// raised and the registers are left as they were.
func (m *Machine) step(c *Context) {
	r := &c.regs
	var buf [arch.InstructionSize]byte
	if !m.userAccess(c, r.IP(), buf[:], accessFetch) {
		return
	}
	insn, err := arch.Decode(buf[:])
	if err != nil {
		m.raise(&TrapFrame{Vector: VectorInvalidOpcode, User: true, Regs: r})
		return
	}

	next := r.RIP + arch.InstructionSize
	gpr := &r.GPR
	addr := func() hostarch.Addr {
		return hostarch.Addr(gpr[insn.Src] + uint64(insn.Imm))
	}
	switch insn.Op {
	case arch.NOP:
	case arch.MOVI:
		gpr[insn.Dst] = uint64(insn.Imm)
	case arch.MOV:
		gpr[insn.Dst] = gpr[insn.Src]
	case arch.ADDI:
		gpr[insn.Dst] += uint64(insn.Imm)
	case arch.ADD:
		gpr[insn.Dst] += gpr[insn.Src]
	case arch.SUB:
		gpr[insn.Dst] -= gpr[insn.Src]
	case arch.LD:
		v, ok := m.load64(c, addr())
		if !ok {
			return
		}
		gpr[insn.Dst] = v
	case arch.LDW:
		var b [4]byte
		if !m.userAccess(c, addr(), b[:], accessRead) {
			return
		}
		gpr[insn.Dst] = uint64(int64(int32(binary.LittleEndian.Uint32(b[:]))))
	case arch.ST:
		if !m.store64(c, hostarch.Addr(gpr[insn.Dst]+uint64(insn.Imm)), gpr[insn.Src]) {
			return
		}
	case arch.STW:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(gpr[insn.Src]))
		if !m.userAccess(c, hostarch.Addr(gpr[insn.Dst]+uint64(insn.Imm)), b[:], accessWrite) {
			return
		}
	case arch.JMP:
		next = uint64(insn.Imm)
	case arch.JZ:
		if gpr[insn.Src] == 0 {
			next = uint64(insn.Imm)
		}
	case arch.JNZ:
		if gpr[insn.Src] != 0 {
			next = uint64(insn.Imm)
		}
	case arch.JNEG:
		if int64(gpr[insn.Src]) < 0 {
			next = uint64(insn.Imm)
		}
	case arch.CALL:
		sp := gpr[arch.RSP] - 8
		if !m.store64(c, hostarch.Addr(sp), next) {
			return
		}
		gpr[arch.RSP] = sp
		next = uint64(insn.Imm)
	case arch.RET:
		v, ok := m.load64(c, r.Stack())
		if !ok {
			return
		}
		gpr[arch.RSP] += 8
		next = v
	case arch.SYSCALL:
		r.RIP = next
		m.retire()
		if m.sys == nil {
			panic("platform: syscall with no handler installed")
		}
		m.sys.HandleSyscall(r)
		return
	}
	r.RIP = next
	m.retire()
}
