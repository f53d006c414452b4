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
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"heavenos.dev/heavenos/pkg/kernel"
	"heavenos.dev/heavenos/pkg/pgalloc"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	pageTables bool
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print the memory map, the allocator zones and their free lists"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [-page-tables] - boots the machine without running anything and prints its physical memory layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.pageTables, "page-tables", false, "also print the kernel address space mappings")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := kernel.New(loadConfig())
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer k.Close()
	if err := printMemmap(os.Stdout, k); err != nil {
		Fatalf("writing output: %v", err)
	}
	if m.pageTables {
		fmt.Printf("\nKernel address space:\n%s", k.DumpKernelSpace())
	}
	return subcommands.ExitSuccess
}

func printMemmap(w io.Writer, k *kernel.Kernel) error {
	cfg := k.Config()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Memory map:\n")
	fmt.Fprintf(tw, "BASE\tEND\tTYPE\n")
	for _, r := range cfg.Regions() {
		fmt.Fprintf(tw, "%v\t%v\t%v\n", r.Base, r.End(), r.Type)
	}
	fmt.Fprintf(tw, "kernel image\t[%#x, %#x)\t\n", cfg.KernelImage.Base, cfg.KernelImage.End())
	fmt.Fprintf(tw, "boot info\t[%#x, %#x)\t\n", cfg.BootInfo.Base, cfg.BootInfo.End())
	if err := tw.Flush(); err != nil {
		return err
	}

	stats := k.FrameStats()
	fmt.Fprintf(w, "\nZones (%d of %d frames free):\n", stats.FreeFrames, stats.TotalFrames)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ZONE\tRANGE\tALLOCATABLE\tHEADER\tFREE")
	for order := 0; order <= pgalloc.MaxOrder; order++ {
		fmt.Fprintf(tw, "\tO%d", order)
	}
	fmt.Fprintf(tw, "\n")
	for i, z := range stats.Zones {
		fmt.Fprintf(tw, "%d\t[%v, %v)\t[%v, %v)\t%d\t%d", i, z.Base, z.Limit, z.Start, z.End, z.HeaderFrames, z.FreeFrames)
		for _, n := range z.FreeBlocks {
			fmt.Fprintf(tw, "\t%d", n)
		}
		fmt.Fprintf(tw, "\n")
	}
	return tw.Flush()
}
