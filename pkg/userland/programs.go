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

package userland

import (
	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/syscalls"
)

// BadStatusAddr is an address no program maps.
const BadStatusAddr = 0x50000000

func init() {
	register(&Program{
		Name:        "fork-sleep-wait",
		Description: "fork; the child sleeps 4000ms, the parent sleeps 2000ms and waits for it",
		build:       forkSleepWait,
	})
	register(&Program{
		Name:        "bad-wait-pointer",
		Description: "wait for a child with a status pointer outside of user memory",
		build:       badWaitPointer,
	})
	register(&Program{
		Name:        "segfault",
		Description: "load from an unmapped address",
		build:       segfault,
	})
	register(&Program{
		Name:        "spin",
		Description: "fork; both tasks count down from 20000 and exit",
		build:       spin,
	})
	register(&Program{
		Name:        "getpid",
		Description: "exit with the task's pid",
		build:       getpid,
	})
	register(&Program{
		Name:        "fork-fill",
		Description: "fork until the task table is full and exit with the number of children",
		build:       forkFill,
	})
	register(&Program{
		Name:        "recursion",
		Description: "sum 1..500 recursively, growing the stack across pages",
		build:       recursion,
	})
}

// forkSleepWait exits the parent with the child's status, or with the
// error returned by fork or wait.
func forkSleepWait(a *arch.Assembler) *arch.Assembler {
	a = syscall(a, syscalls.SysFork).
		Jneg(arch.RAX, "fail").
		Jz(arch.RAX, "child").
		Mov(arch.R12, arch.RAX)
	a = syscall(a.Movi(arch.RDI, 2000), syscalls.SysSleep)

	// int status = 0 lives just below the stack pointer.
	a = a.Movi(arch.RBX, 0).
		Stw(arch.RSP, -8, arch.RBX).
		Mov(arch.RDI, arch.R12).
		Mov(arch.RSI, arch.RSP).
		Addi(arch.RSI, -8)
	a = syscall(a, syscalls.SysWait).
		Jneg(arch.RAX, "fail").
		Ldw(arch.RBX, arch.RSP, -8)
	a = exit(a, arch.RBX)

	a = a.Label("child")
	a = syscall(a.Movi(arch.RDI, 4000), syscalls.SysSleep)
	a = exitImm(a, 0)

	a = a.Label("fail")
	return exit(a, arch.RAX)
}

func badWaitPointer(a *arch.Assembler) *arch.Assembler {
	a = syscall(a, syscalls.SysFork).
		Jz(arch.RAX, "child").
		Mov(arch.RDI, arch.RAX).
		Movi(arch.RSI, BadStatusAddr)
	a = syscall(a, syscalls.SysWait)
	a = exit(a, arch.RAX)
	return exitImm(a.Label("child"), 0)
}

func segfault(a *arch.Assembler) *arch.Assembler {
	a = a.Movi(arch.RBX, BadStatusAddr).
		Ld(arch.RAX, arch.RBX, 0)
	return exitImm(a, 0)
}

func spin(a *arch.Assembler) *arch.Assembler {
	a = syscall(a, syscalls.SysFork).
		Movi(arch.RCX, 20000).
		Label("loop").
		Addi(arch.RCX, -1).
		Jnz(arch.RCX, "loop")
	return exitImm(a, 0)
}

func getpid(a *arch.Assembler) *arch.Assembler {
	return exit(syscall(a, syscalls.SysGetPID), arch.RAX)
}

// forkFill never reaps its children, so each fork takes a slot until the
// table is full.
func forkFill(a *arch.Assembler) *arch.Assembler {
	a = a.Movi(arch.R12, 0).Label("again")
	a = syscall(a, syscalls.SysFork).
		Jneg(arch.RAX, "full").
		Jz(arch.RAX, "child").
		Addi(arch.R12, 1).
		Jmp("again")
	a = exit(a.Label("full"), arch.R12)
	a = syscall(a.Label("child").Movi(arch.RDI, 10), syscalls.SysSleep)
	return exitImm(a, 0)
}

// recursion calls sum(500), which pushes 16 bytes per level.
func recursion(a *arch.Assembler) *arch.Assembler {
	a = a.Movi(arch.RDI, 500).Call("sum")
	a = exit(a, arch.RAX)
	return a.Label("sum").
		Jz(arch.RDI, "base").
		Addi(arch.RSP, -8).
		St(arch.RSP, 0, arch.RDI).
		Addi(arch.RDI, -1).
		Call("sum").
		Ld(arch.RDI, arch.RSP, 0).
		Addi(arch.RSP, 8).
		Add(arch.RAX, arch.RDI).
		Ret().
		Label("base").
		Movi(arch.RAX, 0).
		Ret()
}
