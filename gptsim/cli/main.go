// Copyright 2026 The gVisor Authors.
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

// Package cli is the main entrypoint for gptsim.
package cli

import (
	"context"
	"flag"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/rme/gptsim/cmd"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if path := flag.Lookup("config").Value.String(); path != "" {
		if err := config.LoadFile(flag.CommandLine, path); err != nil {
			util.Fatalf("%v", err)
		}
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Set up logging.
	log := conf.NewLogger()
	util.Log = log

	log.Debugf("%s, %s, %d CPUs, args: %v", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Args)
	conf.Log(log)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf, log)
	if subcmdCode == subcommands.ExitSuccess {
		os.Exit(0)
	}
	log.Debugf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by gptsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Layout), "")
	cb(new(cmd.Dump), "")
	cb(new(cmd.Transition), "")

	const debugGroup = "debug"
	cb(new(cmd.Stress), debugGroup)
}
