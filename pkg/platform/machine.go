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
	"context"
	"sync/atomic"
	"time"

	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/pagetables"
	"heavenos.dev/heavenos/pkg/physmem"
)

// Machine is the simulated CPU, MMU and local interrupt controller.
type Machine struct {
	mem  *physmem.Memory
	opts Options

	intr InterruptHandler
	sys  SyscallHandler

	// cr3 is the loaded page table root; pt reads it.
	cr3 hostarch.PhysAddr
	pt  *pagetables.PageTables

	// pending counts timer interrupts not yet delivered. It is
	// incremented by timer sources, possibly from other goroutines.
	pending atomic.Int64

	// kick wakes a halted CPU.
	kick chan struct{}

	eois atomic.Uint64

	// instructions counts retired user instructions; sinceTick counts
	// them since the last virtual tick.
	instructions uint64
	sinceTick    uint64

	// current is the context holding the baton and host is the context of
	// the goroutine that called NewHostContext.
	current *Context
	host    *Context

	// fatal holds a panic raised on a context goroutine until it is
	// re-raised on the host context.
	fatal any
}

// NewMachine returns a machine over mem.
func NewMachine(mem *physmem.Memory, opts Options) *Machine {
	if opts.InstructionsPerTick == 0 {
		opts.InstructionsPerTick = 100
	}
	if opts.TickPeriod == 0 {
		opts.TickPeriod = time.Millisecond
	}
	return &Machine{
		mem:  mem,
		opts: opts,
		kick: make(chan struct{}, 1),
	}
}

// Memory returns the machine's physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// Options returns the machine's configuration.
func (m *Machine) Options() Options {
	return m.opts
}

// SetInterruptHandler installs the interrupt handler.
func (m *Machine) SetInterruptHandler(h InterruptHandler) {
	m.intr = h
}

// SetSyscallHandler installs the syscall handler.
func (m *Machine) SetSyscallHandler(h SyscallHandler) {
	m.sys = h
}

// LoadCR3 loads a page table root into the MMU.
func (m *Machine) LoadCR3(root hostarch.PhysAddr) {
	m.cr3 = root
	m.pt = pagetables.NewFromRoot(m.mem, nil, root)
}

// CR3 returns the loaded page table root.
func (m *Machine) CR3() hostarch.PhysAddr {
	return m.cr3
}

// Instructions returns the number of user instructions retired.
func (m *Machine) Instructions() uint64 {
	return m.instructions
}

// Tick raises a timer interrupt. It may be called from any goroutine.
func (m *Machine) Tick() {
	m.pending.Add(1)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// PendingTicks returns the number of undelivered timer interrupts.
func (m *Machine) PendingTicks() int64 {
	return m.pending.Load()
}

// EOI signals the end of an interrupt to the local interrupt controller.
func (m *Machine) EOI() {
	m.eois.Add(1)
}

// EOIs returns the number of EOIs signalled.
func (m *Machine) EOIs() uint64 {
	return m.eois.Load()
}

// raise delivers f to the interrupt handler.
func (m *Machine) raise(f *TrapFrame) {
	if m.intr == nil {
		panic("platform: interrupt with no handler installed")
	}
	m.intr.HandleInterrupt(f)
}

// takePending consumes one pending timer interrupt.
func (m *Machine) takePending() bool {
	for {
		n := m.pending.Load()
		if n <= 0 {
			return false
		}
		if m.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// DeliverInterrupts delivers pending interrupts to the kernel, as if it
// briefly enabled interrupts.
func (m *Machine) DeliverInterrupts() {
	for m.takePending() {
		m.raise(&TrapFrame{Vector: VectorTimer})
	}
}

// Halt waits for the next interrupt. With the virtual timer the next tick
// is immediate. The interrupt is left pending for DeliverInterrupts.
func (m *Machine) Halt(ctx context.Context) error {
	if m.pending.Load() > 0 {
		return nil
	}
	if m.opts.Timer == VirtualTimer {
		m.Tick()
		return nil
	}
	select {
	case <-m.kick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTimer produces realtime ticks until ctx is done. It returns
// immediately for the virtual timer.
func (m *Machine) RunTimer(ctx context.Context) error {
	if m.opts.Timer != RealtimeTimer {
		return nil
	}
	t := time.NewTicker(m.opts.TickPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick()
		}
	}
}

// retire accounts for one retired user instruction.
func (m *Machine) retire() {
	m.instructions++
	if m.opts.Timer != VirtualTimer {
		return
	}
	m.sinceTick++
	if m.sinceTick >= m.opts.InstructionsPerTick {
		m.sinceTick = 0
		m.Tick()
	}
}
