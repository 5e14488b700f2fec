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

// Binary memsnap runs snapshot scenarios against simulated processes.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/memsnap/pkg/log"
)

var (
	debug         = flag.Bool("debug", false, "enable debug logging.")
	logFormat     = flag.String("log-format", "text", "log format: text (default) or json.")
	metrics       = flag.Bool("metrics", false, "print metrics when a command completes.")
	metricsFormat = flag.String("metrics-format", "short", "metrics output format: short (default) or prometheus.")
)

// globals are passed to every command.
type globals struct {
	// registry receives the snapshot metrics. It is nil unless -metrics
	// is set.
	registry *prometheus.Registry
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Inspect), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	e, err := newEmitter(*logFormat, os.Stderr)
	if err != nil {
		Fatalf("%v", err)
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	}

	g := &globals{}
	if *metrics {
		g.registry = prometheus.NewRegistry()
	}
	os.Exit(int(subcommands.Execute(context.Background(), g)))
}
