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

// Package irq dispatches interrupts and exceptions raised by the machine.
//
// Page faults are offered to the virtual memory manager first. Timer
// interrupts drive the scheduler. Anything else is fatal: to the task when
// it was raised in user mode, and to the kernel otherwise.
package irq

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/platform"
)

// FaultHandler resolves page faults in the active address space.
type FaultHandler interface {
	HandlePageFault(addr hostarch.Addr) bool
}

// Scheduler receives timer ticks and terminates faulting tasks.
type Scheduler interface {
	TimerTick()

	// KillCurrent terminates the running task and does not return.
	KillCurrent(code int)
}

// APIC acknowledges interrupts.
type APIC interface {
	EOI()
}

// NumVectors is the size of the vector space.
const NumVectors = 256

var exceptionNames = [...]string{
	"Divide error",
	"Debug",
	"Non-Maskable Interrupt",
	"Breakpoint",
	"Overflow",
	"BOUND Range Exceeded",
	"Invalid Opcode",
	"Device Not Available",
	"Double Fault",
	"Unknown exception",
	"Invalid TSS",
	"Segment Not Present",
	"Stack Fault",
	"General Protection",
	"Page Fault",
	"Unknown exception",
	"x87 FPU Floating-Point Error",
	"Alignment Check",
	"Machine Check",
	"SIMD Floating-Point Exception",
	"Virtualization Exception",
	"Control Protection Exception",
}

// Name returns a human readable name for vector.
func Name(vector int) string {
	switch {
	case vector >= 0 && vector < len(exceptionNames):
		return exceptionNames[vector]
	case vector == platform.VectorTimer:
		return "Timer"
	case vector == platform.VectorSpurious:
		return "Spurious"
	default:
		return "Unknown IRQ"
	}
}

// Table is the interrupt vector table. It implements
// platform.InterruptHandler.
type Table struct {
	faults FaultHandler
	sched  Scheduler
	apic   APIC

	counts [NumVectors]uint64
}

var _ platform.InterruptHandler = (*Table)(nil)

// New returns a vector table routing to the given collaborators.
func New(faults FaultHandler, sched Scheduler, apic APIC) *Table {
	return &Table{
		faults: faults,
		sched:  sched,
		apic:   apic,
	}
}

// HandleInterrupt implements platform.InterruptHandler.HandleInterrupt.
func (t *Table) HandleInterrupt(f *platform.TrapFrame) {
	if f.Vector >= 0 && f.Vector < NumVectors {
		t.counts[f.Vector]++
	}
	switch f.Vector {
	case platform.VectorPageFault:
		if t.faults.HandlePageFault(f.CR2) {
			return
		}
		t.unhandled(f)
	case platform.VectorTimer:
		// The tick may switch away from the interrupted context.
		t.apic.EOI()
		t.sched.TimerTick()
	case platform.VectorSpurious:
		t.apic.EOI()
	default:
		t.unhandled(f)
	}
}

func (t *Table) unhandled(f *platform.TrapFrame) {
	if f.User {
		log.Debugf("irq: %s (vector %d) in user mode at %v, terminating task", Name(f.Vector), f.Vector, faultAddr(f))
		t.sched.KillCurrent(-int(unix.EFAULT))
		panic("irq: killed task resumed")
	}
	log.Warningf("%s", Dump(f))
	panic(fmt.Sprintf("irq: unrecoverable kernel error: %s (vector %d)", Name(f.Vector), f.Vector))
}

func faultAddr(f *platform.TrapFrame) hostarch.Addr {
	if f.Vector == platform.VectorPageFault {
		return f.CR2
	}
	if f.Regs != nil {
		return f.Regs.IP()
	}
	return 0
}

// Dump formats f for diagnostics.
func Dump(f *platform.TrapFrame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unhandled IRQ %d [%s]\n", f.Vector, Name(f.Vector))
	fmt.Fprintf(&b, "Error code: %#x\n", f.ErrorCode)
	if f.Vector == platform.VectorPageFault {
		fmt.Fprintf(&b, "Fault address: %v\n", f.CR2)
	}
	if f.Regs != nil {
		f.Regs.Dump(&b)
	}
	return b.String()
}

// Count returns the number of times vector was raised.
func (t *Table) Count(vector int) uint64 {
	if vector < 0 || vector >= NumVectors {
		return 0
	}
	return t.counts[vector]
}

// Counts returns the raise counts of every vector seen so far.
func (t *Table) Counts() map[int]uint64 {
	m := make(map[int]uint64)
	for v, n := range t.counts {
		if n != 0 {
			m[v] = n
		}
	}
	return m
}
