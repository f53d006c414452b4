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
	"fmt"
	"runtime"
	"runtime/debug"

	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/log"
)

// Context is a saved execution context.
//
// A user context starts executing user code at its registers the first
// time it is switched to. The host context stands for the goroutine that
// created it, typically the kernel's dispatcher.
type Context struct {
	m    *Machine
	regs arch.Registers

	// run carries the baton to this context.
	run chan struct{}

	// exited is closed when the context's goroutine ends.
	exited chan struct{}

	started bool
	killed  bool
	host    bool
}

// Registers returns the context's saved user registers. They may be
// modified while the context is not running.
func (c *Context) Registers() *arch.Registers {
	return &c.regs
}

// NewHostContext returns the context of the calling goroutine, which holds
// the baton from now on.
func (m *Machine) NewHostContext() *Context {
	c := &Context{
		m:       m,
		run:     make(chan struct{}, 1),
		exited:  make(chan struct{}),
		started: true,
		host:    true,
	}
	m.host = c
	m.current = c
	return c
}

// NewContext returns a user context that starts at regs.
func (m *Machine) NewContext(regs arch.Registers) *Context {
	return &Context{
		m:      m,
		regs:   regs,
		run:    make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

// CloneContext returns a user context with a copy of src's registers. When
// src is in a syscall, the clone resumes after the SYSCALL instruction.
func (m *Machine) CloneContext(src *Context) *Context {
	return m.NewContext(src.regs)
}

// Current returns the running context.
func (m *Machine) Current() *Context {
	return m.current
}

// Switch saves the calling context prev and resumes next. It returns when
// some context switches back to prev.
//
// Precondition: prev is the running context.
func (m *Machine) Switch(prev, next *Context) {
	if prev != m.current {
		panic(fmt.Sprintf("platform.Switch: switching from %p, which is not running", prev))
	}
	if next.killed {
		panic("platform.Switch: switching to a destroyed context")
	}
	m.current = next
	if !next.started {
		next.started = true
		go m.contextMain(next)
	}
	next.run <- struct{}{}
	<-prev.run

	if prev.killed {
		runtime.Goexit()
	}
	if prev.host && m.fatal != nil {
		r := m.fatal
		m.fatal = nil
		panic(r)
	}
}

// DestroyContext releases a context that is not running. Its goroutine, if
// any, is unwound.
func (m *Machine) DestroyContext(c *Context) {
	if c == m.current || c.host {
		panic("platform.DestroyContext: destroying a running or host context")
	}
	if c.killed {
		return
	}
	c.killed = true
	if c.started {
		c.run <- struct{}{}
		<-c.exited
	}
}

func (m *Machine) contextMain(c *Context) {
	defer close(c.exited)
	defer func() {
		r := recover()
		if r == nil {
			// Normal unwinding of a destroyed context.
			return
		}
		log.Warningf("platform: panic on context %p: %v\n%s", c, r, debug.Stack())
		m.fatal = r
		m.current = m.host
		m.host.run <- struct{}{}
	}()

	<-c.run
	if c.killed {
		return
	}
	m.runUser(c)
}
