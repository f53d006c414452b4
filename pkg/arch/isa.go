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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"heavenos.dev/heavenos/pkg/hostarch"
)

// InstructionSize is the size of every encoded instruction.
const InstructionSize = 16

// Opcode is a user instruction opcode.
type Opcode uint8

// Opcodes. Memory operands are [base+imm]; branch targets are absolute.
const (
	NOP     Opcode = iota // no operation
	MOVI                  // dst = imm
	MOV                   // dst = src
	ADDI                  // dst += imm
	ADD                   // dst += src
	SUB                   // dst -= src
	LD                    // dst = 64-bit load from [src+imm]
	ST                    // 64-bit store of src to [dst+imm]
	LDW                   // dst = sign-extended 32-bit load from [src+imm]
	STW                   // 32-bit store of src to [dst+imm]
	JMP                   // goto imm
	JZ                    // if src == 0 goto imm
	JNZ                   // if src != 0 goto imm
	JNEG                  // if int64(src) < 0 goto imm
	SYSCALL               // enter the kernel
	CALL                  // push return address, goto imm
	RET                   // pop return address

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	"nop", "movi", "mov", "addi", "add", "sub", "ld", "st", "ldw", "stw",
	"jmp", "jz", "jnz", "jneg", "syscall", "call", "ret",
}

// String implements fmt.Stringer.String.
func (o Opcode) String() string {
	if o < numOpcodes {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op?%#x", uint8(o))
}

// ErrInvalidOpcode is returned when decoding an unknown opcode or a bad
// register operand.
var ErrInvalidOpcode = errors.New("invalid opcode")

// Instruction is a decoded instruction.
//
// The encoding is: byte 0 opcode, byte 1 dst, byte 2 src, bytes 3-7 zero,
// bytes 8-15 the little-endian immediate.
type Instruction struct {
	Op  Opcode
	Dst Reg
	Src Reg
	Imm int64
}

// Encode writes the instruction to b, which must hold InstructionSize bytes.
func (i Instruction) Encode(b []byte) {
	_ = b[InstructionSize-1]
	clear(b[:InstructionSize])
	b[0] = byte(i.Op)
	b[1] = byte(i.Dst)
	b[2] = byte(i.Src)
	binary.LittleEndian.PutUint64(b[8:], uint64(i.Imm))
}

// Decode decodes the instruction in the first InstructionSize bytes of b.
func Decode(b []byte) (Instruction, error) {
	if len(b) < InstructionSize {
		return Instruction{}, fmt.Errorf("short instruction (%d bytes): %w", len(b), ErrInvalidOpcode)
	}
	i := Instruction{
		Op:  Opcode(b[0]),
		Dst: Reg(b[1]),
		Src: Reg(b[2]),
		Imm: int64(binary.LittleEndian.Uint64(b[8:])),
	}
	if i.Op >= numOpcodes || !i.Dst.Valid() || !i.Src.Valid() {
		return Instruction{}, fmt.Errorf("%x: %w", b[:InstructionSize], ErrInvalidOpcode)
	}
	for _, c := range b[3:8] {
		if c != 0 {
			return Instruction{}, fmt.Errorf("%x: %w", b[:InstructionSize], ErrInvalidOpcode)
		}
	}
	return i, nil
}

// String implements fmt.Stringer.String.
func (i Instruction) String() string {
	switch i.Op {
	case NOP, SYSCALL, RET:
		return i.Op.String()
	case MOVI, ADDI:
		return fmt.Sprintf("%v %v, %d", i.Op, i.Dst, i.Imm)
	case MOV, ADD, SUB:
		return fmt.Sprintf("%v %v, %v", i.Op, i.Dst, i.Src)
	case LD, LDW:
		return fmt.Sprintf("%v %v, [%v%+d]", i.Op, i.Dst, i.Src, i.Imm)
	case ST, STW:
		return fmt.Sprintf("%v [%v%+d], %v", i.Op, i.Dst, i.Imm, i.Src)
	case JMP, CALL:
		return fmt.Sprintf("%v %#x", i.Op, uint64(i.Imm))
	case JZ, JNZ, JNEG:
		return fmt.Sprintf("%v %v, %#x", i.Op, i.Src, uint64(i.Imm))
	default:
		return i.Op.String()
	}
}

// Disassemble writes a listing of code, loaded at base, to w.
func Disassemble(w io.Writer, code []byte, base hostarch.Addr) error {
	for off := 0; off+InstructionSize <= len(code); off += InstructionSize {
		addr := base + hostarch.Addr(off)
		i, err := Decode(code[off:])
		if err != nil {
			if _, err := fmt.Fprintf(w, "%v: (bad) %x\n", addr, code[off:off+InstructionSize]); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%v: %v\n", addr, i); err != nil {
			return err
		}
	}
	return nil
}
