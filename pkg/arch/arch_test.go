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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	for _, want := range []Instruction{
		{Op: NOP},
		{Op: MOVI, Dst: RAX, Imm: -22},
		{Op: LD, Dst: R15, Src: RSP, Imm: -8},
		{Op: JNEG, Src: R10, Imm: 0x10020},
	} {
		var b [InstructionSize]byte
		want.Encode(b[:])
		got, err := Decode(b[:])
		if err != nil {
			t.Errorf("Decode(%v) failed: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("Decode(Encode(%v)) = %v", want, got)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for name, b := range map[string][]byte{
		"opcode":   {0xee, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"register": {byte(MOV), 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"padding":  {byte(NOP), 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"short":    {byte(NOP)},
	} {
		if _, err := Decode(b); !errors.Is(err, ErrInvalidOpcode) {
			t.Errorf("%s: Decode = %v, want ErrInvalidOpcode", name, err)
		}
	}
}

func TestAssembleLabels(t *testing.T) {
	code, err := NewAssembler(0x10000).
		Movi(RCX, 3).
		Label("loop").
		Addi(RCX, -1).
		Jnz(RCX, "loop").
		Call("done").
		Label("done").
		Ret().
		Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	var got []Instruction
	for off := 0; off < len(code); off += InstructionSize {
		i, err := Decode(code[off:])
		if err != nil {
			t.Fatalf("Decode at %d failed: %v", off, err)
		}
		got = append(got, i)
	}
	want := []Instruction{
		{Op: MOVI, Dst: RCX, Imm: 3},
		{Op: ADDI, Dst: RCX, Imm: -1},
		{Op: JNZ, Src: RCX, Imm: 0x10010},
		{Op: CALL, Imm: 0x10040},
		{Op: RET},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleErrors(t *testing.T) {
	if _, err := NewAssembler(0).Jmp("nowhere").Assemble(); err == nil {
		t.Errorf("undefined label assembled")
	}
	if _, err := NewAssembler(0).Label("x").Nop().Label("x").Assemble(); err == nil {
		t.Errorf("duplicate label assembled")
	}
}

func TestDisassemble(t *testing.T) {
	code, err := NewAssembler(0x10000).
		Movi(RAX, 2).
		Syscall().
		St(RSP, -16, RAX).
		Raw(Instruction{Op: 0x7f}).
		Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	var b bytes.Buffer
	if err := Disassemble(&b, code, 0x10000); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	want := strings.Join([]string{
		"0x10000: movi rax, 2",
		"0x10010: syscall",
		"0x10020: st [rsp-16], rax",
		"0x10030: (bad) 7f000000000000000000000000000000",
		"",
	}, "\n")
	if got := b.String(); got != want {
		t.Errorf("listing mismatch:\n%s\nwant:\n%s", got, want)
	}
}

func TestSyscallABI(t *testing.T) {
	var r Registers
	r.GPR[RAX] = 4
	for i, reg := range []Reg{RDI, RSI, RDX, R10, R8, R9} {
		r.GPR[reg] = uint64(i + 1)
	}
	if r.SyscallNo() != 4 {
		t.Errorf("SyscallNo = %d", r.SyscallNo())
	}
	args := r.SyscallArgs()
	for i, a := range args {
		if a.Uint64() != uint64(i+1) {
			t.Errorf("arg %d = %d, want %d", i, a.Uint64(), i+1)
		}
	}
	r.SetReturn(-10)
	if r.Return() != -10 || r.GPR[RAX] != 0xfffffffffffffff6 {
		t.Errorf("return register = %#x", r.GPR[RAX])
	}
	var dump bytes.Buffer
	r.Dump(&dump)
	if !strings.Contains(dump.String(), "rax=fffffffffffffff6") || strings.Count(dump.String(), "\n") != 5 {
		t.Errorf("unexpected dump:\n%s", dump.String())
	}
}
