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
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/scenario"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "memsnap: "+format+"\n", args...)
	os.Exit(128)
}

// newEmitter returns a log emitter writing to w in the given format.
func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

// printResults writes one row per process.
func printResults(w io.Writer, results []scenario.Result) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tROUNDS\tWRITES\tMAPS\tUNMAPS\tBRK\tPAGES\tVERIFIED\tSAVED\tFAULTS\tHANDLED\tCOPIES")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.PID, r.Rounds, r.Writes, r.Maps, r.Unmaps, r.BrkMoves,
			r.Snapshot.Pages, r.Verified, r.Snapshot.SavedPages,
			r.MM.WriteFaults, r.MM.Handled, r.MM.Copies)
	}
	return tw.Flush()
}

// writeMetrics prints every metric gathered from g in the given format:
// "short" prints one sample per line, "prometheus" uses the Prometheus text
// exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer, format string) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	switch format {
	case "short":
	case "prometheus":
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid metrics format %q, must be 'short' or 'prometheus'", format)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + labelString(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				fmt.Fprintf(w, "%s %g\n", name, m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s_count %d\n", name, h.GetSampleCount())
				fmt.Fprintf(w, "%s_sum %g\n", name, h.GetSampleSum())
			default:
				log.Debugf("skipping metric %s of type %v", name, mf.GetType())
			}
		}
	}
	return nil
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
