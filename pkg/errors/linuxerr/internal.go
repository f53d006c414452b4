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

package linuxerr

import (
	goerrors "errors"

	"heavenos.dev/heavenos/pkg/errors"
)

// translations maps sentinel errors of other packages to errnos.
var translations []translation

type translation struct {
	from error
	to   *errors.Error
}

// AddTranslation registers from, matched with errors.Is, as reported to
// user space as to.
func AddTranslation(from error, to *errors.Error) {
	translations = append(translations, translation{from: from, to: to})
}

// TranslateError translates errors to errnos, it will return false if
// the error was not registered. An *errors.Error anywhere in the chain
// translates to itself.
func TranslateError(from error) (*errors.Error, bool) {
	var e *errors.Error
	if goerrors.As(from, &e) {
		return e, true
	}
	for _, t := range translations {
		if goerrors.Is(from, t.from) {
			return t.to, true
		}
	}
	return nil, false
}

// ReturnValue converts err into a syscall return register value: 0 for
// nil and -errno otherwise. Errors without a translation become -EINVAL.
func ReturnValue(err error) int64 {
	if err == nil {
		return 0
	}
	e, ok := TranslateError(err)
	if !ok {
		e = EINVAL
	}
	return -int64(e.Errno())
}
