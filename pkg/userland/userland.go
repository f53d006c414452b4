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

// Package userland contains the user programs the kernel can boot.
//
// Programs are written with arch.Assembler and assembled at the address
// the kernel maps user text at. They only use the stack pointer they are
// started with, so they run unmodified in any stack area.
package userland

import (
	"fmt"
	"sort"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/syscalls"
)

// Program is a user program.
type Program struct {
	// Name identifies the program on the command line.
	Name string

	// Description is a one line summary.
	Description string

	build func(a *arch.Assembler) *arch.Assembler
}

// Assemble returns the program's machine code for loading at base.
func (p *Program) Assemble(base hostarch.Addr) ([]byte, error) {
	code, err := p.build(arch.NewAssembler(base)).Assemble()
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", p.Name, err)
	}
	return code, nil
}

var programs = map[string]*Program{}

func register(p *Program) {
	if _, ok := programs[p.Name]; ok {
		panic(fmt.Sprintf("userland: duplicate program %q", p.Name))
	}
	programs[p.Name] = p
}

// Lookup returns the program called name.
func Lookup(name string) (*Program, bool) {
	p, ok := programs[name]
	return p, ok
}

// Names returns the names of all programs, sorted.
func Names() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProgram is the program booted when none is named.
const DefaultProgram = "fork-sleep-wait"

// syscall emits a syscall with the number in RAX. Arguments must already
// be in place.
func syscall(a *arch.Assembler, sysno int64) *arch.Assembler {
	return a.Movi(arch.RAX, sysno).Syscall()
}

// exit emits exit(reg).
func exit(a *arch.Assembler, reg arch.Reg) *arch.Assembler {
	return syscall(a.Mov(arch.RDI, reg), syscalls.SysExit)
}

// exitImm emits exit(code).
func exitImm(a *arch.Assembler, code int64) *arch.Assembler {
	return syscall(a.Movi(arch.RDI, code), syscalls.SysExit)
}
