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

// Package sched implements the task table and the dispatcher.
//
// The dispatcher runs on the context that calls Run. Every other entry
// point except Tasks, Exits and Counts is called on the context of the
// running task, from a syscall or an interrupt handler, and may switch
// back to the dispatcher before returning.
package sched

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/cleanup"
	"heavenos.dev/heavenos/pkg/errors/linuxerr"
	"heavenos.dev/heavenos/pkg/hostarch"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/pgalloc"
	"heavenos.dev/heavenos/pkg/platform"
	"heavenos.dev/heavenos/pkg/vmem"
)

// ErrNoTaskSlots is returned when the task table is full.
var ErrNoTaskSlots = errors.New("no free task slots")

func init() {
	linuxerr.AddTranslation(ErrNoTaskSlots, linuxerr.EAGAIN)
	linuxerr.AddTranslation(pgalloc.ErrNoMemory, linuxerr.ENOMEM)
}

// Config configures a Scheduler.
type Config struct {
	// MaxTasks is the size of the task table, including the unused
	// slot 0.
	MaxTasks int

	// TickPeriodMillis converts sleep durations to ticks.
	TickPeriodMillis uint64

	// Quantum is the number of ticks a task runs before preemption.
	Quantum uint64
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxTasks:         64,
		TickPeriodMillis: 1,
		Quantum:          10,
	}
}

// Scheduler owns the task table.
type Scheduler struct {
	m      *platform.Machine
	vm     *vmem.Manager
	kernel *vmem.AddressSpace
	cfg    Config

	tasks []Task

	// current is the running task, nil while the dispatcher runs.
	current *Task

	// dispatcher is the context running Run.
	dispatcher *platform.Context

	ticks uint64
	exits []ExitRecord

	idle log.Logger
}

// New returns a scheduler with an empty task table. kernel is the address
// space active while the dispatcher runs.
func New(m *platform.Machine, vm *vmem.Manager, kernel *vmem.AddressSpace, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.TickPeriodMillis == 0 {
		cfg.TickPeriodMillis = def.TickPeriodMillis
	}
	if cfg.Quantum == 0 {
		cfg.Quantum = def.Quantum
	}
	if cfg.MaxTasks < 2 {
		panic(fmt.Sprintf("sched.New: table of %d tasks has no usable slot", cfg.MaxTasks))
	}
	s := &Scheduler{
		m:      m,
		vm:     vm,
		kernel: kernel,
		cfg:    cfg,
		tasks:  make([]Task, cfg.MaxTasks),
		idle:   log.BasicRateLimitedLogger(time.Second),
	}
	for i := range s.tasks {
		s.tasks[i].pid = i
	}
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// AllocateTask reserves the first free slot, starting at pid 1.
func (s *Scheduler) AllocateTask() (*Task, error) {
	for i := 1; i < len(s.tasks); i++ {
		t := &s.tasks[i]
		if t.state == NotAllocated {
			*t = Task{pid: i, state: Reserved}
			return t, nil
		}
	}
	return nil, ErrNoTaskSlots
}

// freeSlot returns t's slot to the table.
func (s *Scheduler) freeSlot(t *Task) {
	*t = Task{pid: t.pid}
}

// Start makes a reserved task runnable in address space as, entering user
// mode with regs.
func (s *Scheduler) Start(t *Task, as *vmem.AddressSpace, regs arch.Registers) {
	if t.state != Reserved {
		panic(fmt.Sprintf("sched.Start: task %d is %v, not reserved", t.pid, t.state))
	}
	t.as = as
	t.ctx = s.m.NewContext(regs)
	t.state = Runnable
}

// Run dispatches tasks until ctx is cancelled, in which case it returns
// ctx.Err(), or until no task can run again, in which case it returns nil.
// A panic on a task context is raised again on the caller.
func (s *Scheduler) Run(ctx context.Context) error {
	s.dispatcher = s.m.Current()
	if s.dispatcher == nil {
		s.dispatcher = s.m.NewHostContext()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.m.DeliverInterrupts()

		found := false
		for i := 1; i < len(s.tasks); i++ {
			t := &s.tasks[i]
			if t.state == Sleeping && s.ticks >= t.wakeTick {
				t.state = Runnable
			}
			if t.state != Runnable {
				continue
			}
			found = true
			s.switchTo(t)
			s.vm.SwitchTo(s.kernel)
			if t.state == Zombie {
				s.release(t)
			}
		}
		if found {
			continue
		}
		if !s.live() {
			log.Infof("sched: no live tasks at tick %d", s.ticks)
			return nil
		}
		s.idle.Debugf("sched: idle at tick %d", s.ticks)
		if err := s.m.Halt(ctx); err != nil {
			return err
		}
	}
}

// live reports whether any task can still run.
func (s *Scheduler) live() bool {
	for i := 1; i < len(s.tasks); i++ {
		switch s.tasks[i].state {
		case Runnable, Sleeping, Waiting:
			return true
		}
	}
	return false
}

// switchTo runs t until it yields.
func (s *Scheduler) switchTo(t *Task) {
	if t.state == Zombie {
		panic(fmt.Sprintf("sched.switchTo: dispatching zombie task %d", t.pid))
	}
	s.current = t
	t.deadline = s.ticks + s.cfg.Quantum
	s.vm.SwitchTo(t.as)
	s.m.Switch(s.dispatcher, t.ctx)
	s.current = nil
}

// yield switches from the running task back to the dispatcher.
func (s *Scheduler) yield() {
	t := s.current
	s.current = nil
	s.m.Switch(t.ctx, s.dispatcher)
}

// release frees the context and address space of a zombie. The slot is
// kept until the parent reaps it.
func (s *Scheduler) release(t *Task) {
	if t.ctx != nil {
		s.m.DestroyContext(t.ctx)
		t.ctx = nil
	}
	if t.as != nil {
		s.vm.Destroy(t.as)
		t.as = nil
	}
}

// Close releases every task that still holds resources. It must not be
// called while Run is dispatching.
func (s *Scheduler) Close() {
	for i := 1; i < len(s.tasks); i++ {
		t := &s.tasks[i]
		if t.as == s.vm.Active() {
			s.vm.SwitchTo(s.kernel)
		}
		s.release(t)
	}
}

// TimerTick advances the tick counter and preempts the running task once
// its quantum is used up.
func (s *Scheduler) TimerTick() {
	s.ticks++
	t := s.current
	if t == nil {
		return
	}
	if s.ticks >= t.deadline {
		s.yield()
	}
}

func (s *Scheduler) mustCurrent(op string) *Task {
	if s.current == nil {
		panic(fmt.Sprintf("sched.%s: no running task", op))
	}
	return s.current
}

// Fork duplicates the running task. It returns the child's pid; the child
// resumes from the same point with a zero return value.
func (s *Scheduler) Fork() (int, error) {
	parent := s.mustCurrent("Fork")
	child, err := s.AllocateTask()
	if err != nil {
		return 0, fmt.Errorf("fork: %w", err)
	}
	cu := cleanup.Make(func() { s.freeSlot(child) })
	defer cu.Clean()

	as, err := s.vm.New()
	if err != nil {
		return 0, fmt.Errorf("fork: creating address space: %w", err)
	}
	cu.Add(func() { s.vm.Destroy(as) })
	if err := s.vm.Clone(as, parent.as); err != nil {
		return 0, fmt.Errorf("fork: cloning address space: %w", err)
	}

	child.ctx = s.m.CloneContext(parent.ctx)
	child.ctx.Registers().SetReturn(0)
	child.as = as
	child.ppid = parent.pid
	child.state = Runnable
	cu.Release()

	log.Debugf("sched: task %d forked task %d", parent.pid, child.pid)
	return child.pid, nil
}

// Exit terminates the running task with code. It does not return.
func (s *Scheduler) Exit(code int) {
	t := s.mustCurrent("Exit")
	t.exitCode = code
	t.state = Zombie
	s.exits = append(s.exits, ExitRecord{PID: t.pid, PPID: t.ppid, Code: code, Tick: s.ticks})
	log.Infof("sched: task %d exited with code %d at tick %d", t.pid, code, s.ticks)

	if t.ppid > 0 && t.ppid < len(s.tasks) {
		if p := &s.tasks[t.ppid]; p.state == Waiting && p.waitPID == t.pid {
			p.state = Runnable
		}
	}
	// Orphans cannot be reaped, even by a later task reusing t's pid.
	for i := range s.tasks {
		if c := &s.tasks[i]; c.ppid == t.pid && c.state != NotAllocated && c.state != Reserved {
			c.ppid = 0
		}
	}
	s.yield()
	panic(fmt.Sprintf("sched.Exit: zombie task %d resumed", t.pid))
}

// KillCurrent terminates the running task with code. It does not return.
func (s *Scheduler) KillCurrent(code int) {
	log.Infof("sched: killing task %d with code %d", s.mustCurrent("KillCurrent").pid, code)
	s.Exit(code)
}

// Wait blocks until child pid exits, stores its exit code as a 32-bit
// integer at status unless status is zero, and frees its slot. A status
// outside the caller's writable memory terminates the caller.
func (s *Scheduler) Wait(pid int, status hostarch.Addr) (int, error) {
	t := s.mustCurrent("Wait")
	if pid <= 0 || pid >= len(s.tasks) {
		return 0, linuxerr.ECHILD
	}
	child := &s.tasks[pid]
	if child.state == NotAllocated || child.state == Reserved || child.ppid != t.pid {
		return 0, linuxerr.ECHILD
	}
	for child.state != Zombie {
		t.waitPID = pid
		t.state = Waiting
		s.yield()
	}
	t.waitPID = 0

	if status != 0 {
		if !s.vm.CheckUserAccess(t.as, status, 4, true) {
			log.Infof("sched: task %d passed bad wait status pointer %v", t.pid, status)
			s.KillCurrent(-int(unix.EINVAL))
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(child.exitCode)))
		if err := s.vm.CopyOut(t.as, status, b[:]); err != nil {
			return 0, fmt.Errorf("wait: storing status: %w", err)
		}
	}
	s.release(child)
	s.freeSlot(child)
	return pid, nil
}

// Sleep blocks the running task for at least ms milliseconds, rounded down
// to whole ticks.
func (s *Scheduler) Sleep(ms int64) (int, error) {
	t := s.mustCurrent("Sleep")
	if ms < 0 {
		return 0, linuxerr.EINVAL
	}
	t.wakeTick = s.ticks + uint64(ms)/s.cfg.TickPeriodMillis
	t.state = Sleeping
	s.yield()
	return 0, nil
}

// GetPID returns the pid of the running task.
func (s *Scheduler) GetPID() int {
	return s.mustCurrent("GetPID").pid
}

// Current returns the running task, or nil in the dispatcher.
func (s *Scheduler) Current() *Task {
	return s.current
}

// Ticks returns the number of timer ticks seen.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks
}

// Task returns a snapshot of slot pid.
func (s *Scheduler) Task(pid int) (TaskInfo, bool) {
	if pid <= 0 || pid >= len(s.tasks) {
		return TaskInfo{}, false
	}
	return s.tasks[pid].info(), true
}

// Tasks returns snapshots of every allocated slot.
func (s *Scheduler) Tasks() []TaskInfo {
	var out []TaskInfo
	for i := 1; i < len(s.tasks); i++ {
		if s.tasks[i].state != NotAllocated {
			out = append(out, s.tasks[i].info())
		}
	}
	return out
}

// Exits returns the exit records in exit order.
func (s *Scheduler) Exits() []ExitRecord {
	return append([]ExitRecord(nil), s.exits...)
}

// Counts returns the number of slots in each state.
func (s *Scheduler) Counts() map[TaskState]int {
	m := make(map[TaskState]int)
	for i := 1; i < len(s.tasks); i++ {
		m[s.tasks[i].state]++
	}
	return m
}
