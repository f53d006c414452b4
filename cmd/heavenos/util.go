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
	"fmt"
	"io"
	"os"

	"heavenos.dev/heavenos/pkg/config"
	"heavenos.dev/heavenos/pkg/log"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "heavenos: "+format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}

// loadConfig reads the configuration named by -config and applies the
// logging flags.
func loadConfig() *config.Config {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		Fatalf("invalid configuration: %v", err)
	}
	log.SetTarget(newEmitter(cfg.LogFormat, os.Stderr))
	log.SetLevel(cfg.Level())
	return cfg
}

func newEmitter(format string, w io.Writer) log.Emitter {
	if format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
}
