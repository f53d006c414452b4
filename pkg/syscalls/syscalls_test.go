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

package syscalls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/errors/linuxerr"
	"heavenos.dev/heavenos/pkg/hostarch"
)

var errExited = errors.New("exited")

type fakeKernel struct {
	calls []string
	err   error
}

func (k *fakeKernel) Sleep(ms int64) (int, error) {
	k.calls = append(k.calls, fmt.Sprintf("sleep(%d)", ms))
	return 0, k.err
}

func (k *fakeKernel) Fork() (int, error) {
	k.calls = append(k.calls, "fork()")
	return 2, k.err
}

func (k *fakeKernel) GetPID() int {
	k.calls = append(k.calls, "getpid()")
	return 7
}

func (k *fakeKernel) Exit(code int) {
	k.calls = append(k.calls, fmt.Sprintf("exit(%d)", code))
	panic(errExited)
}

func (k *fakeKernel) Wait(pid int, status hostarch.Addr) (int, error) {
	k.calls = append(k.calls, fmt.Sprintf("wait(%d, %v)", pid, status))
	return pid, k.err
}

func call(h *Handler, sysno uint64, args ...uint64) (ret int64) {
	var regs arch.Registers
	regs.GPR[arch.RAX] = sysno
	for i, r := range []arch.Reg{arch.RDI, arch.RSI, arch.RDX, arch.R10, arch.R8, arch.R9}[:len(args)] {
		regs.GPR[r] = args[i]
	}
	h.HandleSyscall(&regs)
	return regs.Return()
}

func TestDispatch(t *testing.T) {
	k := &fakeKernel{}
	h := NewHandler(k)
	for _, tc := range []struct {
		sysno uint64
		args  []uint64
		want  int64
	}{
		{SysSleep, []uint64{2000}, 0},
		{SysFork, nil, 2},
		{SysGetPID, nil, 7},
		{SysWait, []uint64{2, 0x70003ff8}, 2},
		{99, nil, -int64(unix.ENOSYS)},
	} {
		if got := call(h, tc.sysno, tc.args...); got != tc.want {
			t.Errorf("syscall %s returned %d, want %d", Name(tc.sysno), got, tc.want)
		}
	}
	want := []string{"sleep(2000)", "fork()", "getpid()", "wait(2, 0x70003ff8)"}
	if diff := cmp.Diff(want, k.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorsBecomeNegativeErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int64
	}{
		{linuxerr.ECHILD, -int64(unix.ECHILD)},
		{fmt.Errorf("fork: %w", linuxerr.ENOMEM), -int64(unix.ENOMEM)},
		{linuxerr.EINVAL, -int64(unix.EINVAL)},
	} {
		h := NewHandler(&fakeKernel{err: tc.err})
		if got := call(h, SysWait, 5, 0); got != tc.want {
			t.Errorf("wait with error %v returned %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSignedArguments(t *testing.T) {
	k := &fakeKernel{}
	h := NewHandler(k)
	minus := func(v int64) uint64 { return uint64(v) }
	call(h, SysSleep, minus(-5))
	func() {
		defer func() {
			if r := recover(); r != errExited {
				t.Errorf("recovered %v, want exit", r)
			}
		}()
		call(h, SysExit, minus(-22))
	}()
	want := []string{"sleep(-5)", "exit(-22)"}
	if diff := cmp.Diff(want, k.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestName(t *testing.T) {
	if got := Name(SysWait); got != "wait" {
		t.Errorf("Name(SysWait) = %q", got)
	}
	if got := Name(42); got != "sys_42" {
		t.Errorf("Name(42) = %q", got)
	}
}
