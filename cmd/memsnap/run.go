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

package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/scenario"
	"gvisor.dev/memsnap/pkg/snapshot"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	iterations int
	seed       int64
	workers    int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "fuzz the processes of a scenario and restore their snapshots"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml> - build the processes of a scenario, take
their snapshots, then repeatedly change each address space at random, restore
it and check that it matches the snapshot.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.iterations, "iterations", 0, "number of rounds per process; overrides the scenario.")
	f.Int64Var(&r.seed, "seed", 0, "random seed; overrides the scenario if not 0.")
	f.IntVar(&r.workers, "workers", 0, "number of processes run concurrently; overrides the scenario.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := args[0].(*globals)

	sc, err := scenario.Load(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	if r.iterations > 0 {
		sc.Iterations = r.iterations
	}
	if r.seed != 0 {
		sc.Seed = r.seed
	}
	if r.workers > 0 {
		sc.Workers = r.workers
	}

	opts := snapshot.Options{Workers: sc.Workers}
	if g.registry != nil {
		opts.Registerer = g.registry
	}
	runner := scenario.Runner{Manager: snapshot.NewManager(opts)}
	log.Infof("running %d processes for %d rounds, seed %d", len(sc.Processes), sc.Iterations, sc.Seed)
	results, err := runner.Run(ctx, sc)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := printResults(os.Stdout, results); err != nil {
		Fatalf("%v", err)
	}
	if g.registry != nil {
		if err := writeMetrics(os.Stdout, g.registry, *metricsFormat); err != nil {
			Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}
