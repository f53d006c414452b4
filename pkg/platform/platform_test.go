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
	"errors"
	"testing"
	"time"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/pagetables"
	"heavenos.dev/heavenos/pkg/pgalloc"
	"heavenos.dev/heavenos/pkg/physmem"
	"heavenos.dev/heavenos/pkg/vmem"
)

const (
	textBase  hostarch.Addr = 0x10000
	stackBase hostarch.Addr = 0x70000000
	stackTop                = stackBase + 4*hostarch.PageSize

	sysExit  = 60
	sysClone = 56
	sysPanic = 77
)

// harness runs user programs on a Machine with minimal interrupt and
// syscall handling.
type harness struct {
	t    *testing.T
	m    *Machine
	vm   *vmem.Manager
	as   *vmem.AddressSpace
	host *Context

	traps    []TrapFrame
	exitCode int64
	stopped  bool
	clones   []*Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem, err := physmem.New(16 * hostarch.MB)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	frames := pgalloc.New(mem)
	frames.AddZone(0, 4096)

	h := &harness{t: t, m: NewMachine(mem, opts)}
	h.vm = vmem.NewManager(frames, h.m)
	h.m.SetInterruptHandler(h)
	h.m.SetSyscallHandler(h)
	h.host = h.m.NewHostContext()
	return h
}

// HandleInterrupt implements InterruptHandler.HandleInterrupt.
func (h *harness) HandleInterrupt(f *TrapFrame) {
	saved := *f
	saved.Regs = nil
	h.traps = append(h.traps, saved)
	switch f.Vector {
	case VectorTimer:
	case VectorPageFault:
		if !h.vm.HandlePageFault(f.CR2) {
			h.stop(-14)
		}
	default:
		h.stop(-int64(f.Vector))
	}
}

// HandleSyscall implements SyscallHandler.HandleSyscall.
func (h *harness) HandleSyscall(regs *arch.Registers) {
	switch regs.SyscallNo() {
	case sysExit:
		h.stop(regs.SyscallArgs()[0].Int64())
	case sysClone:
		c := h.m.CloneContext(h.m.Current())
		c.Registers().SetReturn(0)
		h.clones = append(h.clones, c)
		regs.SetReturn(int64(len(h.clones)))
	case sysPanic:
		panic("kernel bug")
	default:
		regs.SetReturn(-38)
	}
}

// stop switches back to the host for good.
func (h *harness) stop(code int64) {
	h.exitCode = code
	h.stopped = true
	h.m.Switch(h.m.Current(), h.host)
	panic("stopped context resumed")
}

// load maps program text read-only at textBase and a demand-paged stack.
func (h *harness) load(a *arch.Assembler) {
	h.t.Helper()
	code, err := a.Assemble()
	if err != nil {
		h.t.Fatalf("Assemble failed: %v", err)
	}
	as, err := h.vm.New()
	if err != nil {
		h.t.Fatalf("vmem.New failed: %v", err)
	}
	frames := hostarch.BytesToPages(uint64(len(code)))
	for i := uint64(0); i < frames; i++ {
		frame, err := h.vm.NewPTEs()
		if err != nil {
			h.t.Fatalf("frame allocation failed: %v", err)
		}
		chunk := code[i*hostarch.PageSize : min(uint64(len(code)), (i+1)*hostarch.PageSize)]
		copy(h.m.Memory().Bytes(frame, uint64(len(chunk))), chunk)
		if err := h.vm.MapPage(as, textBase+hostarch.Addr(hostarch.PagesToBytes(i)), frame, pagetables.User); err != nil {
			h.t.Fatalf("MapPage failed: %v", err)
		}
	}
	if err := h.vm.AllocArea(as, stackBase, 4, vmem.User|vmem.Write); err != nil {
		h.t.Fatalf("AllocArea failed: %v", err)
	}
	h.vm.SwitchTo(as)
	h.as = as
}

func userRegs() arch.Registers {
	var r arch.Registers
	r.RIP = uint64(textBase)
	r.SetStack(stackTop)
	return r
}

// run runs c until it stops and then destroys it.
func (h *harness) run(c *Context) int64 {
	h.t.Helper()
	h.stopped = false
	h.m.Switch(h.host, c)
	if !h.stopped {
		h.t.Fatalf("context switched back without stopping")
	}
	h.m.DestroyContext(c)
	return h.exitCode
}

func (h *harness) vectors(v int) []TrapFrame {
	var out []TrapFrame
	for _, f := range h.traps {
		if f.Vector == v {
			out = append(out, f)
		}
	}
	return out
}

func exit(a *arch.Assembler, code arch.Reg) *arch.Assembler {
	return a.Mov(arch.RDI, code).Movi(arch.RAX, sysExit).Syscall()
}

func TestArithmetic(t *testing.T) {
	h := newHarness(t, Options{})
	a := arch.NewAssembler(textBase).
		Movi(arch.RCX, 5).
		Movi(arch.RDX, 0).
		Label("loop").
		Add(arch.RDX, arch.RCX).
		Addi(arch.RCX, -1).
		Jnz(arch.RCX, "loop").
		Movi(arch.RBX, 20).
		Sub(arch.RDX, arch.RBX).
		Jneg(arch.RDX, "negative").
		Movi(arch.RDX, 99).
		Label("negative")
	h.load(exit(a, arch.RDX))
	if got := h.run(h.m.NewContext(userRegs())); got != -5 {
		t.Errorf("exit code = %d, want -5", got)
	}
	if len(h.vectors(VectorPageFault)) != 0 {
		t.Errorf("unexpected page faults: %+v", h.traps)
	}
}

func TestDemandPagedStack(t *testing.T) {
	h := newHarness(t, Options{})
	a := arch.NewAssembler(textBase).
		Movi(arch.RBX, 7).
		St(arch.RSP, -8, arch.RBX).
		Ld(arch.RDI, arch.RSP, -8).
		Call("inc").
		Movi(arch.RAX, sysExit).
		Syscall().
		Label("inc").
		Addi(arch.RDI, 1).
		Ret()
	h.load(a)
	if got := h.run(h.m.NewContext(userRegs())); got != 8 {
		t.Errorf("exit code = %d, want 8", got)
	}
	faults := h.vectors(VectorPageFault)
	if len(faults) != 1 {
		t.Fatalf("got %d page faults, want 1: %+v", len(faults), faults)
	}
	if f := faults[0]; f.CR2 != stackTop-8 || f.ErrorCode != FaultUser|FaultWrite || !f.User {
		t.Errorf("unexpected fault %+v", f)
	}
}

func TestUnhandledFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		prog *arch.Assembler
		cr2  hostarch.Addr
		code uint64
	}{
		{
			name: "unmapped load",
			prog: arch.NewAssembler(textBase).Movi(arch.RBX, 0x50000000).Ld(arch.RAX, arch.RBX, 8),
			cr2:  0x50000008,
			code: FaultUser,
		},
		{
			name: "write to text",
			prog: arch.NewAssembler(textBase).Movi(arch.RBX, int64(textBase)).St(arch.RBX, 0, arch.RBX),
			cr2:  textBase,
			code: FaultUser | FaultWrite | FaultPresent,
		},
		{
			name: "kernel address",
			prog: arch.NewAssembler(textBase).Movi(arch.RBX, -1).Ld(arch.RAX, arch.RBX, 0),
			cr2:  0xffffffffffffffff,
			code: FaultUser,
		},
		{
			name: "jump to nowhere",
			prog: arch.NewAssembler(textBase).Raw(arch.Instruction{Op: arch.JMP, Imm: 0x400000}),
			cr2:  0x400000,
			code: FaultUser | FaultFetch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.load(tc.prog)
			if got := h.run(h.m.NewContext(userRegs())); got != -14 {
				t.Fatalf("exit code = %d, want -14", got)
			}
			faults := h.vectors(VectorPageFault)
			last := faults[len(faults)-1]
			if last.CR2 != tc.cr2 || last.ErrorCode != tc.code {
				t.Errorf("fault at %v code %#x, want %v code %#x", last.CR2, last.ErrorCode, tc.cr2, tc.code)
			}
		})
	}
}

func TestInvalidOpcode(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(arch.NewAssembler(textBase).Nop().Raw(arch.Instruction{Op: 0x7f}))
	if got := h.run(h.m.NewContext(userRegs())); got != -VectorInvalidOpcode {
		t.Errorf("exit code = %d, want %d", got, -VectorInvalidOpcode)
	}
}

func TestUnknownSyscall(t *testing.T) {
	h := newHarness(t, Options{})
	a := arch.NewAssembler(textBase).Movi(arch.RAX, 1234).Syscall()
	h.load(exit(a, arch.RAX))
	if got := h.run(h.m.NewContext(userRegs())); got != -38 {
		t.Errorf("exit code = %d, want -38", got)
	}
}

func TestVirtualTimer(t *testing.T) {
	h := newHarness(t, Options{InstructionsPerTick: 10})
	a := arch.NewAssembler(textBase).
		Movi(arch.RCX, 100).
		Label("loop").
		Addi(arch.RCX, -1).
		Jnz(arch.RCX, "loop")
	h.load(exit(a, arch.RCX))
	if got := h.run(h.m.NewContext(userRegs())); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
	ticks := uint64(len(h.vectors(VectorTimer))) + uint64(h.m.PendingTicks())
	if want := h.m.Instructions() / 10; ticks != want {
		t.Errorf("%d ticks for %d instructions, want %d", ticks, h.m.Instructions(), want)
	}
	for _, f := range h.vectors(VectorTimer) {
		if !f.User {
			t.Errorf("timer delivered outside user mode: %+v", f)
		}
	}
}

func TestCloneContext(t *testing.T) {
	h := newHarness(t, Options{})
	a := arch.NewAssembler(textBase).
		Movi(arch.RBX, 5).
		Movi(arch.RAX, sysClone).
		Syscall().
		Add(arch.RAX, arch.RBX)
	h.load(exit(a, arch.RAX))

	if got := h.run(h.m.NewContext(userRegs())); got != 6 {
		t.Errorf("parent exit code = %d, want 6", got)
	}
	if len(h.clones) != 1 {
		t.Fatalf("got %d clones, want 1", len(h.clones))
	}
	if got := h.run(h.clones[0]); got != 5 {
		t.Errorf("clone exit code = %d, want 5", got)
	}
}

func TestPanicReachesHost(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(arch.NewAssembler(textBase).Movi(arch.RAX, sysPanic).Syscall())
	c := h.m.NewContext(userRegs())
	func() {
		defer func() {
			if r := recover(); r != "kernel bug" {
				t.Errorf("recovered %v, want the context's panic", r)
			}
		}()
		h.m.Switch(h.host, c)
	}()
	if h.m.Current() != h.host {
		t.Errorf("host does not hold the baton after a context panic")
	}
	h.m.DestroyContext(c)
}

func TestDestroyContext(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.m.NewContext(userRegs())
	h.m.DestroyContext(c)
	h.m.DestroyContext(c)
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("destroying the host context did not panic")
			}
		}()
		h.m.DestroyContext(h.host)
	}()
}

func TestHaltVirtual(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.m.Halt(context.Background()); err != nil {
		t.Fatalf("Halt failed: %v", err)
	}
	if h.m.PendingTicks() != 1 {
		t.Fatalf("PendingTicks = %d after Halt, want 1", h.m.PendingTicks())
	}
	h.m.DeliverInterrupts()
	timers := h.vectors(VectorTimer)
	if len(timers) != 1 || timers[0].User {
		t.Errorf("kernel-mode timer delivery = %+v", timers)
	}
}

func TestHaltRealtime(t *testing.T) {
	h := newHarness(t, Options{Timer: RealtimeTimer, TickPeriod: time.Millisecond})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.m.Halt(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Halt with no timer and a cancelled context = %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.m.RunTimer(ctx) }()
	if err := h.m.Halt(context.Background()); err != nil {
		t.Errorf("Halt failed: %v", err)
	}
	stop()
	if err := <-done; err != nil {
		t.Errorf("RunTimer = %v", err)
	}
	if h.m.PendingTicks() == 0 {
		t.Errorf("no tick pending after Halt returned")
	}
}

func TestParseTimerMode(t *testing.T) {
	for _, mode := range []TimerMode{VirtualTimer, RealtimeTimer} {
		got, err := ParseTimerMode(mode.String())
		if err != nil || got != mode {
			t.Errorf("ParseTimerMode(%q) = %v, %v", mode.String(), got, err)
		}
	}
	if _, err := ParseTimerMode("hpet"); err == nil {
		t.Errorf("ParseTimerMode(hpet) succeeded")
	}
}
