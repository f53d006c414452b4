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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"heavenos.dev/heavenos/pkg/syscalls"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
}

// SyscallDoc describes one syscall.
type SyscallDoc struct {
	Num  uint64 `json:"num"`
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
}

type outputFunc func(io.Writer, []SyscallDoc) error

// A map of output type names to output functions.
var outputMap = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "print the syscall table"
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [-o table|json|csv] - print the syscall table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		Fatalf("Unsupported output format %q", s.output)
	}
	if err := out(os.Stdout, syscallDocs()); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// syscallDocs returns the syscall table sorted by number.
func syscallDocs() []SyscallDoc {
	docs := make([]SyscallDoc, 0, len(syscalls.Table))
	for num, sc := range syscalls.Table {
		docs = append(docs, SyscallDoc{Num: num, Name: sc.Name, Note: sc.Note})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Num < docs[j].Num })
	return docs
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, docs []SyscallDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "NUM\tNAME\tNOTE\n"); err != nil {
		return err
	}
	for _, sc := range docs {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\n", sc.Num, sc.Name, sc.Note); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, docs []SyscallDoc) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(docs)
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, docs []SyscallDoc) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"num", "name", "note"}); err != nil {
		return err
	}
	for _, sc := range docs {
		if err := csvWriter.Write([]string{strconv.FormatUint(sc.Num, 10), sc.Name, sc.Note}); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
