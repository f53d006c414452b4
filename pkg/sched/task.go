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

package sched

import (
	"fmt"

	"heavenos.dev/heavenos/pkg/platform"
	"heavenos.dev/heavenos/pkg/vmem"
)

// TaskState is the scheduling state of a task slot.
type TaskState int

// Task states.
const (
	NotAllocated TaskState = iota
	Runnable
	Waiting
	Zombie
	Sleeping

	// Reserved marks a slot returned by AllocateTask that has not been
	// started yet. It is never dispatched.
	Reserved
)

var stateNames = [...]string{
	NotAllocated: "not-allocated",
	Runnable:     "runnable",
	Waiting:      "waiting",
	Zombie:       "zombie",
	Sleeping:     "sleeping",
	Reserved:     "reserved",
}

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Task is one slot of the task table.
type Task struct {
	pid  int
	ppid int

	state TaskState

	// waitPID is the child this task is blocked on while Waiting.
	waitPID int

	// deadline is the tick at which the running task is preempted.
	deadline uint64

	// wakeTick is the tick at which a Sleeping task becomes Runnable.
	wakeTick uint64

	exitCode int

	// as and ctx are released by the dispatcher once the task is a
	// zombie.
	as  *vmem.AddressSpace
	ctx *platform.Context
}

// PID returns the task's pid, which is its index in the task table.
func (t *Task) PID() int {
	return t.pid
}

// State returns the task's state.
func (t *Task) State() TaskState {
	return t.state
}

// AddressSpace returns the task's address space, or nil once released.
func (t *Task) AddressSpace() *vmem.AddressSpace {
	return t.as
}

// TaskInfo is a snapshot of a task slot.
type TaskInfo struct {
	PID      int
	PPID     int
	State    TaskState
	WaitPID  int
	WakeTick uint64
	ExitCode int
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		PID:      t.pid,
		PPID:     t.ppid,
		State:    t.state,
		WaitPID:  t.waitPID,
		WakeTick: t.wakeTick,
		ExitCode: t.exitCode,
	}
}

// ExitRecord records a task exit.
type ExitRecord struct {
	PID  int
	PPID int
	Code int
	Tick uint64
}
