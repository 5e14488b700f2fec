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
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// rangeList is a list of user-specified ranges in insertion order. Ranges
// may overlap.
type rangeList []hostarch.AddrRange

// intersecting returns the first range that overlaps [start, end).
func (l rangeList) intersecting(start, end hostarch.Addr) (hostarch.AddrRange, bool) {
	for _, r := range l {
		if end > r.Start && start < r.End {
			return r, true
		}
	}
	return hostarch.AddrRange{}, false
}

// covering returns the first range that contains all of [start, end).
func (l rangeList) covering(start, end hostarch.Addr) (hostarch.AddrRange, bool) {
	for _, r := range l {
		if r.Start <= start && r.End >= end {
			return r, true
		}
	}
	return hostarch.AddrRange{}, false
}

// rangeClassifier decides which parts of the address space a capture walk
// explores. Walks present intervals in ascending order, which lets the
// classifier remember how far the most recent fully blocked or fully allowed
// range extends and answer for intervals below that point without scanning
// the lists again.
type rangeClassifier struct {
	allow  rangeList
	block  rangeList
	config Config

	// nextAllowed and nextBlocked only increase during a walk.
	nextAllowed hostarch.Addr
	nextBlocked hostarch.Addr
}

func newRangeClassifier(allow, block rangeList, config Config) *rangeClassifier {
	return &rangeClassifier{
		allow:  allow,
		block:  block,
		config: config,
	}
}

// classify returns Skip if no page in [start, end) is to be captured, and
// Descend otherwise.
func (c *rangeClassifier) classify(start, end hostarch.Addr) pagetables.Action {
	if end < c.nextBlocked {
		return pagetables.Skip
	}
	if end < c.nextAllowed {
		return pagetables.Descend
	}

	_, blocked := c.block.intersecting(start, end)
	if blocked {
		if r, ok := c.block.covering(start, end); ok {
			c.nextBlocked = r.End
			return pagetables.Skip
		}
	}

	if _, ok := c.allow.intersecting(start, end); ok {
		if r, ok := c.allow.covering(start, end); ok {
			c.nextAllowed = r.End
		}
		// A partial overlap still needs its children explored.
		return pagetables.Descend
	}

	if c.config&Block != 0 {
		c.nextBlocked = end
		return pagetables.Skip
	}

	if !blocked {
		c.nextAllowed = end
	}
	return pagetables.Descend
}

// VisitRange implements pagetables.Visitor.VisitRange.
func (c *rangeClassifier) VisitRange(_ pagetables.Level, start, end hostarch.Addr) pagetables.Action {
	return c.classify(start, end)
}
