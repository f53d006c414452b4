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

// Package platform simulates the single-core machine the kernel runs on.
//
// The Machine provides the pieces the kernel treats as hardware: the MMU,
// which translates user accesses through the page tables loaded with
// LoadCR3; interrupt delivery with a local timer; execution contexts with
// save/restore and switching; and the user-mode CPU, which interprets the
// instruction set defined in package arch.
//
// Every Context runs on its own goroutine, but the Machine hands a single
// baton between them so that exactly one context executes at any time.
// Interrupts are delivered only at user instruction boundaries and when the
// kernel calls DeliverInterrupts, so kernel code running on a context is
// never interrupted.
package platform

import (
	"fmt"
	"time"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/hostarch"
)

// Interrupt vectors raised by the machine.
const (
	VectorInvalidOpcode     = 6
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorTimer             = 32
	VectorSpurious          = 255
)

// Page fault error code bits.
const (
	FaultPresent = 1 << 0
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
	FaultFetch   = 1 << 4
)

// TrapFrame describes an interrupt or exception.
type TrapFrame struct {
	Vector    int
	ErrorCode uint64

	// CR2 is the faulting address of a page fault.
	CR2 hostarch.Addr

	// User is true if the interrupted code was running in user mode.
	User bool

	// Regs holds the interrupted user registers. It is nil for interrupts
	// taken in kernel mode.
	Regs *arch.Registers
}

// InterruptHandler handles interrupts and exceptions. HandleInterrupt
// returns to resume the interrupted code; for faults, the faulting
// instruction is retried.
type InterruptHandler interface {
	HandleInterrupt(f *TrapFrame)
}

// SyscallHandler is invoked by the SYSCALL instruction with the caller's
// registers; RIP already points past the instruction.
type SyscallHandler interface {
	HandleSyscall(regs *arch.Registers)
}

// TimerMode selects the timer source.
type TimerMode int

const (
	// VirtualTimer ticks every Options.InstructionsPerTick user
	// instructions and whenever the CPU halts. It is deterministic.
	VirtualTimer TimerMode = iota

	// RealtimeTimer ticks every Options.TickPeriod of wall time. The
	// ticks are produced by RunTimer.
	RealtimeTimer
)

// String implements fmt.Stringer.String.
func (t TimerMode) String() string {
	if t == RealtimeTimer {
		return "realtime"
	}
	return "virtual"
}

// ParseTimerMode parses "virtual" or "realtime".
func ParseTimerMode(s string) (TimerMode, error) {
	switch s {
	case "virtual":
		return VirtualTimer, nil
	case "realtime":
		return RealtimeTimer, nil
	}
	return 0, fmt.Errorf("unknown timer mode %q", s)
}

// Options configures a Machine.
type Options struct {
	Timer               TimerMode
	InstructionsPerTick uint64
	TickPeriod          time.Duration
}
