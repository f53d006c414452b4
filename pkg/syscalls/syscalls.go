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

// Package syscalls is the interface from user programs to the kernel.
//
// The syscall number is passed in RAX and up to six arguments in RDI, RSI,
// RDX, R10, R8 and R9. The result is returned in RAX; negative values are
// -errno.
package syscalls

import (
	"fmt"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/errors/linuxerr"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/platform"
)

// Syscall numbers.
const (
	SysSleep  = 0
	SysFork   = 1
	SysGetPID = 2
	SysExit   = 3
	SysWait   = 4
)

// Kernel is the set of task operations syscalls are implemented with.
type Kernel interface {
	Sleep(ms int64) (int, error)
	Fork() (int, error)
	GetPID() int
	Exit(code int)
	Wait(pid int, status hostarch.Addr) (int, error)
}

// SyscallFn is a syscall implementation.
type SyscallFn func(k Kernel, args arch.SyscallArguments) (int, error)

// Syscall is a syscall table entry.
type Syscall struct {
	Name string
	Fn   SyscallFn

	// Note describes the arguments and results.
	Note string
}

// Table maps syscall numbers to implementations.
var Table = map[uint64]Syscall{
	SysSleep:  {"sleep", Sleep, "sleep(ms): blocks for ms/tick_period ticks; -EINVAL if ms < 0"},
	SysFork:   {"fork", Fork, "fork(): child pid in the parent, 0 in the child; -EAGAIN or -ENOMEM"},
	SysGetPID: {"getpid", GetPID, "getpid(): the caller's pid"},
	SysExit:   {"exit", Exit, "exit(code): does not return"},
	SysWait:   {"wait", Wait, "wait(pid, *int32 status): pid once it exits; -ECHILD if not a child"},
}

// Name returns the name of syscall sysno.
func Name(sysno uint64) string {
	if s, ok := Table[sysno]; ok {
		return s.Name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

// Sleep implements sleep(ms).
func Sleep(k Kernel, args arch.SyscallArguments) (int, error) {
	return k.Sleep(args[0].Int64())
}

// Fork implements fork().
func Fork(k Kernel, args arch.SyscallArguments) (int, error) {
	return k.Fork()
}

// GetPID implements getpid().
func GetPID(k Kernel, args arch.SyscallArguments) (int, error) {
	return k.GetPID(), nil
}

// Exit implements exit(code). It does not return.
func Exit(k Kernel, args arch.SyscallArguments) (int, error) {
	k.Exit(int(args[0].Int()))
	panic("syscalls.Exit: task resumed after exit")
}

// Wait implements wait(pid, status).
func Wait(k Kernel, args arch.SyscallArguments) (int, error) {
	return k.Wait(int(args[0].Int()), args[1].Pointer())
}

// Handler dispatches syscalls from a Machine. It implements
// platform.SyscallHandler.
type Handler struct {
	k     Kernel
	table map[uint64]Syscall
}

var _ platform.SyscallHandler = (*Handler)(nil)

// NewHandler returns a Handler dispatching Table to k.
func NewHandler(k Kernel) *Handler {
	return &Handler{k: k, table: Table}
}

// HandleSyscall implements platform.SyscallHandler.HandleSyscall.
func (h *Handler) HandleSyscall(regs *arch.Registers) {
	sysno := regs.SyscallNo()
	args := regs.SyscallArgs()
	s, ok := h.table[sysno]
	if !ok {
		log.Debugf("syscalls: unknown syscall %d at %v", sysno, regs.IP())
		regs.SetReturn(-int64(linuxerr.ToUnix(linuxerr.ENOSYS)))
		return
	}
	rv, err := s.Fn(h.k, args)
	if err != nil {
		regs.SetReturn(linuxerr.ReturnValue(err))
		log.Debugf("syscalls: %s(%#x, %#x) = %v", s.Name, args[0].Value, args[1].Value, err)
		return
	}
	regs.SetReturn(int64(rv))
}
