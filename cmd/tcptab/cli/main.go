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

// Package cli is the main entrypoint for tcptab.
package cli

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/tcptab/cmd/tcptab/cmd"
	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	closeLog, err := conf.SetupLogging()
	if err != nil {
		cmd.Fatalf("setting up logging: %v", err)
	}
	log.Debugf("tcptab %v, config: %v", os.Args[1:], conf.ToFlags())

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	if err := closeLog(); err != nil {
		os.Exit(128)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by tcptab.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	// Scenarios run on a simulated pair of hosts.
	const scenarioGroup = "scenarios"
	cb(new(cmd.Loopback), scenarioGroup)
	cb(new(cmd.Flood), scenarioGroup)
	cb(new(cmd.Stats), scenarioGroup)

	cb(new(cmd.PrintConfig), "")
}
