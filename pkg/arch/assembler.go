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

package arch

import (
	"fmt"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// Assembler builds a user program. Branch targets are labels, resolved to
// absolute addresses by Assemble.
type Assembler struct {
	base   hostarch.Addr
	insns  []Instruction
	labels map[string]int
	fixups map[int]string
	err    error
}

// NewAssembler returns an assembler for a program loaded at base.
func NewAssembler(base hostarch.Addr) *Assembler {
	return &Assembler{
		base:   base,
		labels: make(map[string]int),
		fixups: make(map[int]string),
	}
}

func (a *Assembler) emit(i Instruction) *Assembler {
	a.insns = append(a.insns, i)
	return a
}

func (a *Assembler) branch(op Opcode, src Reg, label string) *Assembler {
	a.fixups[len(a.insns)] = label
	return a.emit(Instruction{Op: op, Src: src})
}

// Label defines label at the next instruction.
func (a *Assembler) Label(label string) *Assembler {
	if _, ok := a.labels[label]; ok && a.err == nil {
		a.err = fmt.Errorf("label %q defined twice", label)
	}
	a.labels[label] = len(a.insns)
	return a
}

// Nop emits NOP.
func (a *Assembler) Nop() *Assembler { return a.emit(Instruction{Op: NOP}) }

// Movi emits dst = imm.
func (a *Assembler) Movi(dst Reg, imm int64) *Assembler {
	return a.emit(Instruction{Op: MOVI, Dst: dst, Imm: imm})
}

// Mov emits dst = src.
func (a *Assembler) Mov(dst, src Reg) *Assembler {
	return a.emit(Instruction{Op: MOV, Dst: dst, Src: src})
}

// Addi emits dst += imm.
func (a *Assembler) Addi(dst Reg, imm int64) *Assembler {
	return a.emit(Instruction{Op: ADDI, Dst: dst, Imm: imm})
}

// Add emits dst += src.
func (a *Assembler) Add(dst, src Reg) *Assembler {
	return a.emit(Instruction{Op: ADD, Dst: dst, Src: src})
}

// Sub emits dst -= src.
func (a *Assembler) Sub(dst, src Reg) *Assembler {
	return a.emit(Instruction{Op: SUB, Dst: dst, Src: src})
}

// Ld emits dst = [base+off].
func (a *Assembler) Ld(dst, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: LD, Dst: dst, Src: base, Imm: off})
}

// St emits [base+off] = src.
func (a *Assembler) St(base Reg, off int64, src Reg) *Assembler {
	return a.emit(Instruction{Op: ST, Dst: base, Src: src, Imm: off})
}

// Ldw emits dst = int32 [base+off].
func (a *Assembler) Ldw(dst, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: LDW, Dst: dst, Src: base, Imm: off})
}

// Stw emits int32 [base+off] = src.
func (a *Assembler) Stw(base Reg, off int64, src Reg) *Assembler {
	return a.emit(Instruction{Op: STW, Dst: base, Src: src, Imm: off})
}

// Jmp emits an unconditional branch.
func (a *Assembler) Jmp(label string) *Assembler { return a.branch(JMP, 0, label) }

// Jz branches if src is zero.
func (a *Assembler) Jz(src Reg, label string) *Assembler { return a.branch(JZ, src, label) }

// Jnz branches if src is not zero.
func (a *Assembler) Jnz(src Reg, label string) *Assembler { return a.branch(JNZ, src, label) }

// Jneg branches if src is negative.
func (a *Assembler) Jneg(src Reg, label string) *Assembler { return a.branch(JNEG, src, label) }

// Call emits a call.
func (a *Assembler) Call(label string) *Assembler { return a.branch(CALL, 0, label) }

// Ret emits a return.
func (a *Assembler) Ret() *Assembler { return a.emit(Instruction{Op: RET}) }

// Syscall emits SYSCALL.
func (a *Assembler) Syscall() *Assembler { return a.emit(Instruction{Op: SYSCALL}) }

// Raw emits an arbitrary, possibly invalid, instruction.
func (a *Assembler) Raw(i Instruction) *Assembler { return a.emit(i) }

// Assemble resolves labels and returns the encoded program.
func (a *Assembler) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	code := make([]byte, len(a.insns)*InstructionSize)
	for n, i := range a.insns {
		if label, ok := a.fixups[n]; ok {
			target, ok := a.labels[label]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", label)
			}
			i.Imm = int64(a.base) + int64(target*InstructionSize)
		}
		i.Encode(code[n*InstructionSize:])
	}
	return code, nil
}
