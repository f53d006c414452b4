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

// Binary heavenos boots the simulated machine and inspects its
// configuration and user programs.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

var (
	configPath = flag.String("config", "", "path to a TOML or YAML configuration file; built-in defaults if empty.")
	debug      = flag.Bool("debug", false, "log at debug level, overriding the configured level.")
	logFormat  = flag.String("log-format", "", "log format (text or json), overriding the configured format.")
)

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// forEachCmd invokes the passed callback for each command.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Boot), "")

	const inspectGroup = "inspect"
	cb(new(Memmap), inspectGroup)
	cb(new(Disasm), inspectGroup)
	cb(new(Syscalls), inspectGroup)
}
