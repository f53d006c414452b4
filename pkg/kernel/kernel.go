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

// Package kernel boots the simulated machine from a configuration.
//
// Boot selects allocator zones from the memory map, builds the kernel
// address space and installs the interrupt and syscall handlers. Programs
// are loaded as root tasks with Load and run with Run.
package kernel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/cleanup"
	"heavenos.dev/heavenos/pkg/config"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/irq"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/pagetables"
	"heavenos.dev/heavenos/pkg/pgalloc"
	"heavenos.dev/heavenos/pkg/physmem"
	"heavenos.dev/heavenos/pkg/platform"
	"heavenos.dev/heavenos/pkg/sched"
	"heavenos.dev/heavenos/pkg/syscalls"
	"heavenos.dev/heavenos/pkg/userland"
	"heavenos.dev/heavenos/pkg/vmem"
)

// Fixed virtual layout.
const (
	// UserTextBase is where program text is mapped.
	UserTextBase hostarch.Addr = 0x10000

	// UserStackBase is the bottom of the user stack area.
	UserStackBase hostarch.Addr = 0x70000000

	// KernelImageBase is the virtual address of the kernel image.
	KernelImageBase hostarch.Addr = 0xffffffff80000000
)

// Kernel is a booted machine.
type Kernel struct {
	cfg *config.Config

	mem     *physmem.Memory
	frames  *pgalloc.Allocator
	zones   []physmem.Region
	machine *platform.Machine
	vm      *vmem.Manager
	space   *vmem.AddressSpace
	irqs    *irq.Table
	sched   *sched.Scheduler

	// imageUsed is the number of kernel image bytes holding program text.
	imageUsed uint64
}

// New boots a machine described by cfg. cfg is validated and copied.
func New(cfg *config.Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	k := &Kernel{cfg: cfg.Clone()}

	mem, err := physmem.New(k.cfg.MemorySize())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()
	k.mem = mem

	k.frames = pgalloc.New(mem)
	var total uint64
	for _, z := range physmem.SelectZones(k.cfg.Regions(), k.cfg.Excluded(), pgalloc.MaxBlockFrames) {
		if pgalloc.UsableFrames(z.Base, z.Frames()) == 0 {
			log.Infof("kernel: skipping zone %v: no aligned block of order %d", z, pgalloc.MaxOrder)
			continue
		}
		if len(k.zones) == pgalloc.MaxZones {
			log.Warningf("kernel: skipping zone %v: zone limit reached", z)
			continue
		}
		total += k.frames.AddZone(z.Base, z.Frames())
		k.zones = append(k.zones, z)
	}
	if total == 0 {
		return nil, fmt.Errorf("no usable memory in %d zones", len(k.zones))
	}

	k.machine = platform.NewMachine(mem, k.cfg.PlatformOptions())
	k.vm = vmem.NewManager(k.frames, k.machine)
	if k.space, err = k.vm.New(); err != nil {
		return nil, fmt.Errorf("creating kernel address space: %w", err)
	}
	if err := k.mapKernel(); err != nil {
		return nil, err
	}
	k.vm.SwitchTo(k.space)

	k.sched = sched.New(k.machine, k.vm, k.space, k.cfg.SchedConfig())
	k.irqs = irq.New(k.vm, k.sched, k.machine)
	k.machine.SetInterruptHandler(k.irqs)
	k.machine.SetSyscallHandler(syscalls.NewHandler(k.sched))

	log.Infof("kernel: booted with %v of RAM, %d zones, %d allocatable frames", hostarch.PhysAddr(mem.Size()), len(k.zones), total)
	cu.Release()
	return k, nil
}

// mapKernel maps all of physical memory at physmem.DirectMapBase with
// 1 GiB pages and the kernel image at KernelImageBase with 2 MiB pages.
func (k *Kernel) mapKernel() error {
	for off := uint64(0); off < k.mem.Size(); off += hostarch.GiantPageSize {
		if err := k.vm.MapPage1GB(k.space, physmem.DirectMapBase+hostarch.Addr(off), hostarch.PhysAddr(off), pagetables.Writable); err != nil {
			return fmt.Errorf("mapping physical memory: %w", err)
		}
	}
	image := k.cfg.KernelImage
	for off := uint64(0); off < image.Length; off += hostarch.HugePageSize {
		if err := k.vm.MapPage2MB(k.space, KernelImageBase+hostarch.Addr(off), hostarch.PhysAddr(image.Base+off), pagetables.Writable); err != nil {
			return fmt.Errorf("mapping kernel image: %w", err)
		}
	}
	return nil
}

// Load starts p as a root task and returns its pid. The task shares the
// kernel mappings, has p's text copied into the kernel image and mapped
// read-only at UserTextBase, and gets a demand-paged stack of
// StackPages pages at UserStackBase.
func (k *Kernel) Load(p *userland.Program) (int, error) {
	code, err := p.Assemble(UserTextBase)
	if err != nil {
		return 0, err
	}
	size := hostarch.PagesToBytes(hostarch.BytesToPages(uint64(len(code))))
	if k.imageUsed+size > k.cfg.KernelImage.Length {
		return 0, fmt.Errorf("loading %s: %d bytes of text do not fit in the kernel image", p.Name, len(code))
	}
	text := hostarch.PhysAddr(k.cfg.KernelImage.Base + k.imageUsed)

	as, err := k.vm.New()
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", p.Name, err)
	}
	cu := cleanup.Make(func() { k.vm.Destroy(as) })
	defer cu.Clean()
	if err := k.vm.Clone(as, k.space); err != nil {
		return 0, fmt.Errorf("loading %s: %w", p.Name, err)
	}
	copy(k.mem.Bytes(text, uint64(len(code))), code)
	for off := uint64(0); off < size; off += hostarch.PageSize {
		if err := k.vm.MapPage(as, UserTextBase+hostarch.Addr(off), text+hostarch.PhysAddr(off), pagetables.User); err != nil {
			return 0, fmt.Errorf("loading %s: %w", p.Name, err)
		}
	}
	if err := k.vm.AllocArea(as, UserStackBase, k.cfg.StackPages, vmem.User|vmem.Write); err != nil {
		return 0, fmt.Errorf("loading %s: %w", p.Name, err)
	}
	t, err := k.sched.AllocateTask()
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", p.Name, err)
	}
	cu.Release()

	var regs arch.Registers
	regs.RIP = uint64(UserTextBase)
	regs.SetStack(UserStackBase + hostarch.Addr(hostarch.PagesToBytes(k.cfg.StackPages)))
	k.sched.Start(t, as, regs)
	k.imageUsed += size
	log.Infof("kernel: loaded %s as pid %d, %d bytes of text at %v", p.Name, t.PID(), len(code), text)
	return t.PID(), nil
}

// Run dispatches tasks until none can run or ctx is cancelled. The
// realtime timer, when configured, runs alongside the dispatcher and is
// stopped when the dispatcher returns. A panic on a task is raised on the
// caller.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.machine.RunTimer(gctx)
	})
	err := func() error {
		defer func() {
			stop()
			g.Wait()
		}()
		return k.sched.Run(gctx)
	}()
	if err != nil {
		return err
	}
	return g.Wait()
}

// Config returns the kernel's copy of the configuration.
func (k *Kernel) Config() *config.Config {
	return k.cfg
}

// Zones returns the zones registered with the frame allocator.
func (k *Kernel) Zones() []physmem.Region {
	return append([]physmem.Region(nil), k.zones...)
}

// FrameStats returns the frame allocator's state.
func (k *Kernel) FrameStats() pgalloc.Stats {
	return k.frames.Stats()
}

// DumpKernelSpace describes the kernel address space: its areas and every
// leaf mapping.
func (k *Kernel) DumpKernelSpace() string {
	return k.vm.Dump(k.space)
}

// Tasks returns the allocated task slots.
func (k *Kernel) Tasks() []sched.TaskInfo {
	return k.sched.Tasks()
}

// Exits returns the exit records in exit order.
func (k *Kernel) Exits() []sched.ExitRecord {
	return k.sched.Exits()
}

// ExitCode returns the exit code of the task with the given pid, if it
// has exited.
func (k *Kernel) ExitCode(pid int) (int, bool) {
	for _, e := range k.sched.Exits() {
		if e.PID == pid {
			return e.Code, true
		}
	}
	return 0, false
}

// Close releases every task and the simulated memory. It must not be
// called while Run is running.
func (k *Kernel) Close() error {
	k.sched.Close()
	return k.mem.Close()
}
