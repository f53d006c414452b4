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
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"heavenos.dev/heavenos/pkg/kernel"
	"heavenos.dev/heavenos/pkg/log"
	"heavenos.dev/heavenos/pkg/userland"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	programs stringList
	metrics  bool
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and run user programs until they exit"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-program <name>]... [-metrics] [-timeout <duration>] - boots the machine, runs each program as a root task and prints the exit codes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.Var(&b.programs, "program", fmt.Sprintf("program to run; may be repeated (default %q).", userland.DefaultProgram))
	f.BoolVar(&b.metrics, "metrics", false, "print metrics in Prometheus format after the run.")
	f.DurationVar(&b.timeout, "timeout", 0, "stop the run after this long; 0 for no limit.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if len(b.programs) == 0 {
		b.programs = stringList{userland.DefaultProgram}
	}
	cfg := loadConfig()

	k, err := kernel.New(cfg)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer k.Close()
	for _, name := range b.programs {
		p, ok := userland.Lookup(name)
		if !ok {
			Fatalf("unknown program %q, see 'heavenos disasm' for the list", name)
		}
		if _, err := k.Load(p); err != nil {
			Fatalf("%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	start := time.Now()
	runErr := k.Run(ctx)
	log.Infof("boot: run finished after %v: %v", time.Since(start), runErr)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PID\tPPID\tCODE\tTICK\n")
	for _, e := range k.Exits() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", e.PID, e.PPID, e.Code, e.Tick)
	}
	tw.Flush()

	if b.metrics {
		written, err := k.WriteMetrics(os.Stdout)
		if err != nil {
			Fatalf("writing metrics: %v", err)
		}
		log.Infof("boot: wrote %d bytes of metric data", written)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "heavenos: run stopped: %v\n", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// stringList is a repeatable string flag.
type stringList []string

// String implements flag.Value.String.
func (s *stringList) String() string {
	return fmt.Sprint(*s)
}

// Set implements flag.Value.Set.
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
