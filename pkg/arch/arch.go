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

// Package arch describes the simulated CPU's user-visible state: the
// register file, the syscall calling convention and the user instruction
// set.
package arch

import (
	"fmt"
	"io"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// Reg names a general purpose register.
type Reg uint8

// General purpose registers.
const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NumRegs is the number of general purpose registers.
	NumRegs
)

var regNames = [NumRegs]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.String.
func (r Reg) String() string {
	if r < NumRegs {
		return regNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// Valid returns true if r names a register.
func (r Reg) Valid() bool {
	return r < NumRegs
}

// Registers is the saved register state of an execution context.
type Registers struct {
	GPR    [NumRegs]uint64
	RIP    uint64
	RFLAGS uint64
}

// IP returns the instruction pointer.
func (r *Registers) IP() hostarch.Addr {
	return hostarch.Addr(r.RIP)
}

// Stack returns the stack pointer.
func (r *Registers) Stack() hostarch.Addr {
	return hostarch.Addr(r.GPR[RSP])
}

// SetStack sets the stack pointer.
func (r *Registers) SetStack(sp hostarch.Addr) {
	r.GPR[RSP] = uint64(sp)
}

// syscallArgRegs are the argument registers of the syscall convention, in
// order.
var syscallArgRegs = [6]Reg{RDI, RSI, RDX, R10, R8, R9}

// SyscallNo returns the syscall number.
func (r *Registers) SyscallNo() uint64 {
	return r.GPR[RAX]
}

// SyscallArgs returns the syscall arguments.
func (r *Registers) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i, reg := range syscallArgRegs {
		args[i].Value = r.GPR[reg]
	}
	return args
}

// SetReturn sets the syscall return value. Negative values are errnos.
func (r *Registers) SetReturn(value int64) {
	r.GPR[RAX] = uint64(value)
}

// Return returns the syscall return value.
func (r *Registers) Return() int64 {
	return int64(r.GPR[RAX])
}

// Dump writes the registers in rows of four.
func (r *Registers) Dump(w io.Writer) {
	for i := Reg(0); i < NumRegs; i++ {
		sep := " "
		if i%4 == 3 {
			sep = "\n"
		}
		fmt.Fprintf(w, "%-3s=%016x%s", i, r.GPR[i], sep)
	}
	fmt.Fprintf(w, "rip=%016x rflags=%016x\n", r.RIP, r.RFLAGS)
}

// SyscallArgument is an argument supplied to a syscall implementation.
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uint64
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [6]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Int64 returns the int64 representation of a 64-bit signed integer argument.
func (a SyscallArgument) Int64() int64 {
	return int64(a.Value)
}

// Uint64 returns the uint64 representation of a 64-bit unsigned integer argument.
func (a SyscallArgument) Uint64() uint64 {
	return a.Value
}
