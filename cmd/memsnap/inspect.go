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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/memsnap/pkg/scenario"
	"gvisor.dev/memsnap/pkg/snapshot"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	pid int
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "show the mappings and snapshot of scenario processes"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <scenario.toml> - build the processes of a scenario, take
their snapshots and print what was captured.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.pid, "pid", 0, "only inspect this process.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := args[0].(*globals)

	sc, err := scenario.Load(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	opts := snapshot.Options{Workers: 1}
	if g.registry != nil {
		opts.Registerer = g.registry
	}
	m := snapshot.NewManager(opts)
	found := false
	for idx := range sc.Processes {
		desc := &sc.Processes[idx]
		if i.pid != 0 && int(desc.PID) != i.pid {
			continue
		}
		found = true
		inst, err := scenario.Build(m, 0, desc, sc.Seed+int64(idx))
		if err != nil {
			Fatalf("%v", err)
		}
		p, err := m.Process(inst.PID())
		if err != nil {
			Fatalf("%v", err)
		}
		printProcess(p)
		if err := inst.Release(); err != nil {
			Fatalf("%v", err)
		}
	}
	if !found {
		Fatalf("no process with pid %d in %s", i.pid, f.Arg(0))
	}
	if g.registry != nil {
		if err := writeMetrics(os.Stdout, g.registry, *metricsFormat); err != nil {
			Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

func printProcess(p *snapshot.TrackedProcess) {
	s := p.Stats()
	fmt.Printf("pid %d: config %v, %d pages in %d of %d mappings\n", p.PID(), p.Config(), s.Pages, s.SnapshottedVMAs, s.VMAs)
	as := p.AddressSpace()
	as.Lock()
	vmas := as.VMAs()
	as.Unlock()
	for _, v := range vmas {
		fmt.Printf("  %v\n", v)
	}
	for _, ar := range p.SnapshottedRanges() {
		fmt.Printf("  snapshotted %v\n", ar)
	}
	for _, ar := range p.ExcludedRanges() {
		fmt.Printf("  excluded    %v\n", ar)
	}
}
