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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "pid %d exited", 2)

	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if got.Level != Info || !got.Time.Equal(ts) {
		t.Errorf("got level %v time %v, want %v %v", got.Level, got.Time, Info, ts)
	}
	if !strings.HasPrefix(got.Msg, "json_test.go:") || !strings.HasSuffix(got.Msg, "] pid 2 exited") {
		t.Errorf("unexpected message %q", got.Msg)
	}
}

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		err  bool
	}{
		{in: "warning", want: Warning},
		{in: "info", want: Info},
		{in: "debug", want: Debug},
		{in: "2", err: true},
		{in: "verbose", err: true},
	} {
		var lv Level
		err := lv.UnmarshalText([]byte(tc.in))
		if (err != nil) != tc.err {
			t.Errorf("UnmarshalText(%q) error = %v, want error %t", tc.in, err, tc.err)
			continue
		}
		if err != nil {
			continue
		}
		if lv != tc.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tc.in, lv, tc.want)
		}
		b, err := lv.MarshalText()
		if err != nil || string(b) != tc.in {
			t.Errorf("MarshalText(%v) = %q, %v, want %q", lv, b, err, tc.in)
		}
	}
}

func TestLevelJSONAcceptsIntegers(t *testing.T) {
	var got []Level
	if err := json.Unmarshal([]byte(`[0, "info", 2]`), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff([]Level{Warning, Info, Debug}, got); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}
