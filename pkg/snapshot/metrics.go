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

package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the Prometheus metrics exported by a Manager.
type metrics struct {
	tracked         prometheus.Gauge
	captures        prometheus.Counter
	restores        prometheus.Counter
	restoreFailures prometheus.Counter
	pagesRestored   prometheus.Counter
	pagesZapped     prometheus.Counter
	rangesUnmapped  prometheus.Counter
	rangesRemapped  prometheus.Counter
	unrecoverable   prometheus.Counter
	faults          *prometheus.CounterVec
	warnings        prometheus.Counter
	dirtyPages      prometheus.Histogram
}

// newMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "memsnap_tracked_processes",
			Help: "Number of tracked processes.",
		}),
		captures: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_captures_total",
			Help: "Number of snapshots taken.",
		}),
		restores: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_restores_total",
			Help: "Number of restores attempted.",
		}),
		restoreFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_restore_failures_total",
			Help: "Number of restores that returned an error.",
		}),
		pagesRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_pages_restored_total",
			Help: "Number of pages whose contents were written back.",
		}),
		pagesZapped: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_pages_zapped_total",
			Help: "Number of pages removed because they had no mapping at capture time.",
		}),
		rangesUnmapped: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_ranges_unmapped_total",
			Help: "Number of ranges unmapped by mapping reconciliation.",
		}),
		rangesRemapped: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_ranges_remapped_total",
			Help: "Number of anonymous ranges recreated by mapping reconciliation.",
		}),
		unrecoverable: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_unrecoverable_ranges_total",
			Help: "Number of vanished ranges that could not be recreated.",
		}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsnap_fault_events_total",
			Help: "Number of memory events received, by kind.",
		}, []string{"event"}),
		warnings: f.NewCounter(prometheus.CounterOpts{
			Name: "memsnap_protocol_warnings_total",
			Help: "Number of dirty list bookkeeping inconsistencies observed.",
		}),
		dirtyPages: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "memsnap_restore_dirty_pages",
			Help:    "Number of dirty list entries drained per restore.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}
