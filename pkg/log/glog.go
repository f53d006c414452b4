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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

var pid = os.Getpid()

var levelLetters = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// caller returns the base name of the file and the line of the caller depth
// frames above the caller of caller.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	letter := byte('?')
	if int(level) < len(levelLetters) {
		letter = levelLetters[level]
	}
	file, line := caller(depth)
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	msg := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %7d %s:%d] %s\n",
		letter, int(month), day, hour, minute, second, timestamp.Nanosecond()/1000,
		pid, file, line, fmt.Sprintf(format, args...))
	g.Writer.Emit(depth+1, level, timestamp, "%s", msg)
}
