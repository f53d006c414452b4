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

package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"heavenos.dev/heavenos/pkg/config"
	"heavenos.dev/heavenos/pkg/kernel"
)

func TestSyscallOutputs(t *testing.T) {
	docs := syscallDocs()
	var names []string
	for _, d := range docs {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"sleep", "fork", "getpid", "exit", "wait"}, names); diff != "" {
		t.Errorf("syscall order mismatch (-want +got):\n%s", diff)
	}

	var b bytes.Buffer
	if err := outputJSON(&b, docs); err != nil {
		t.Fatalf("outputJSON failed: %v", err)
	}
	var decoded []SyscallDoc
	if err := json.Unmarshal(b.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if diff := cmp.Diff(docs, decoded); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}

	b.Reset()
	if err := outputCSV(&b, docs); err != nil {
		t.Fatalf("outputCSV failed: %v", err)
	}
	records, err := csv.NewReader(&b).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(records) != len(docs)+1 || records[2][1] != "fork" {
		t.Errorf("CSV records = %v", records)
	}

	b.Reset()
	if err := outputTable(&b, docs); err != nil {
		t.Fatalf("outputTable failed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(b.String()), "\n"); len(lines) != len(docs)+1 {
		t.Errorf("table has %d lines, want %d:\n%s", len(lines), len(docs)+1, b.String())
	}
}

func TestPrintMemmap(t *testing.T) {
	k, err := kernel.New(config.Default())
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	defer k.Close()
	var b bytes.Buffer
	if err := printMemmap(&b, k); err != nil {
		t.Fatalf("printMemmap failed: %v", err)
	}
	for _, want := range []string{"Memory map:", "reserved", "kernel image", "of 14336 frames free"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, b.String())
		}
	}
}
