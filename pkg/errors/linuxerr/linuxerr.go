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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"heavenos.dev/heavenos/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name, but are *errors.Error and so not directly comparable. The Errno
// method returns a number that compares equal to the unix.Errno (e.g.
// EINVAL.Errno() == unix.EINVAL).
var (
	noError *errors.Error = nil
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	ECHILD                = errors.New(unix.ECHILD, "no child processes")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
)

var errorSlice = []*errors.Error{ESRCH, EINTR, ECHILD, EAGAIN, ENOMEM, EFAULT, EINVAL, ENOSYS}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	for _, e := range errorSlice {
		if e.Errno() == err {
			return e
		}
	}
	panic(fmt.Sprintf("invalid error requested with errno: %d", int(err)))
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
