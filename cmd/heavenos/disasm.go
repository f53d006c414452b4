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
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"heavenos.dev/heavenos/pkg/arch"
	"heavenos.dev/heavenos/pkg/kernel"
	"heavenos.dev/heavenos/pkg/userland"
)

// Disasm implements subcommands.Command for the "disasm" command.
type Disasm struct {
	program string
}

// Name implements subcommands.Command.Name.
func (*Disasm) Name() string {
	return "disasm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Disasm) Synopsis() string {
	return "list the user programs or disassemble one"
}

// Usage implements subcommands.Command.Usage.
func (*Disasm) Usage() string {
	return `disasm [-program <name>] - without -program, lists the user programs; otherwise prints the program as loaded.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Disasm) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.program, "program", "", "program to disassemble.")
}

// Execute implements subcommands.Command.Execute.
func (d *Disasm) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if d.program == "" {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, name := range userland.Names() {
			p, _ := userland.Lookup(name)
			fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
		}
		tw.Flush()
		return subcommands.ExitSuccess
	}

	p, ok := userland.Lookup(d.program)
	if !ok {
		Fatalf("unknown program %q", d.program)
	}
	code, err := p.Assemble(kernel.UserTextBase)
	if err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("%s: %s\n\n", p.Name, p.Description)
	if err := arch.Disassemble(os.Stdout, code, kernel.UserTextBase); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
