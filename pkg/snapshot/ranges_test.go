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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/pagetables"
)

type classifyStep struct {
	start, end hostarch.Addr
	want       pagetables.Action
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		name   string
		allow  rangeList
		block  rangeList
		config Config
		steps  []classifyStep
	}{
		{
			name:  "blocklist",
			block: rangeList{{Start: 0x1000, End: 0x2000}},
			steps: []classifyStep{
				{0x0, 0x3000, pagetables.Descend},
				{0x0, 0x1000, pagetables.Descend},
				{0x1000, 0x2000, pagetables.Skip},
				{0x2000, 0x3000, pagetables.Descend},
			},
		},
		{
			name:   "block config denies by default",
			allow:  rangeList{{Start: 0x1000, End: 0x2000}},
			config: Block,
			steps: []classifyStep{
				{0x0, 0x1000, pagetables.Skip},
				{0x1000, 0x2000, pagetables.Descend},
				{0x2000, 0x3000, pagetables.Skip},
			},
		},
		{
			name:   "partial allowlist overlap descends",
			allow:  rangeList{{Start: 0x1800, End: 0x2000}},
			config: Block,
			steps: []classifyStep{
				{0x1000, 0x2000, pagetables.Descend},
				{0x1000, 0x1800, pagetables.Skip},
			},
		},
		{
			name:  "partial blocklist overlap descends",
			block: rangeList{{Start: 0x1000, End: 0x1800}},
			steps: []classifyStep{
				{0x0, 0x2000, pagetables.Descend},
				{0x1000, 0x1800, pagetables.Skip},
				{0x1800, 0x2000, pagetables.Descend},
			},
		},
		{
			// A covering allowlist entry caches its end, so blocked
			// leaves below it are still descended into.
			name:  "allowlist wins over a partial block",
			allow: rangeList{{Start: 0x0, End: 0x4000}},
			block: rangeList{{Start: 0x2000, End: 0x5000}},
			steps: []classifyStep{
				{0x0, 0x4000, pagetables.Descend},
				{0x2000, 0x3000, pagetables.Descend},
				{0x4000, 0x5000, pagetables.Skip},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newRangeClassifier(tc.allow, tc.block, tc.config)
			for _, s := range tc.steps {
				if got := c.classify(s.start, s.end); got != s.want {
					t.Errorf("classify(%v, %v) = %v, want %v", s.start, s.end, got, s.want)
				}
			}
		})
	}
}

func TestClassifyCachesBoundaries(t *testing.T) {
	c := newRangeClassifier(nil, nil, 0)
	if got := c.classify(0, 0x200000); got != pagetables.Descend {
		t.Fatalf("classify = %v, want Descend", got)
	}
	if c.nextAllowed != 0x200000 {
		t.Errorf("nextAllowed = %v, want 0x200000", c.nextAllowed)
	}
	// Intervals below the cached boundary are answered without consulting
	// the lists.
	c.block = rangeList{{Start: 0, End: 0x1000}}
	if got := c.classify(0, 0x1000); got != pagetables.Descend {
		t.Errorf("classify below allow boundary = %v, want Descend", got)
	}

	c = newRangeClassifier(nil, rangeList{{Start: 0, End: 0x200000}}, 0)
	if got := c.classify(0, 0x200000); got != pagetables.Skip {
		t.Fatalf("classify = %v, want Skip", got)
	}
	c.block = nil
	if got := c.classify(0x1000, 0x2000); got != pagetables.Skip {
		t.Errorf("classify below block boundary = %v, want Skip", got)
	}
}

type leafAction struct {
	Start  hostarch.Addr
	Action pagetables.Action
}

// recordingClassifier records the classifier's decisions for leaves during a
// page table walk.
type recordingClassifier struct {
	*rangeClassifier
	leaves  []leafAction
	visited []hostarch.Addr
}

func (r *recordingClassifier) VisitRange(l pagetables.Level, start, end hostarch.Addr) pagetables.Action {
	a := r.classify(start, end)
	if l == pagetables.LevelPTE {
		r.leaves = append(r.leaves, leafAction{start, a})
	}
	return a
}

func (r *recordingClassifier) VisitPTE(addr hostarch.Addr, _ *pagetables.PTE) error {
	r.visited = append(r.visited, addr)
	return nil
}

func TestClassifyWalk(t *testing.T) {
	pt := pagetables.New()
	for i, addr := range []hostarch.Addr{0x0, 0x1000, 0x2000} {
		pt.Map(addr, uint64(i+1), true)
	}
	r := &recordingClassifier{
		rangeClassifier: newRangeClassifier(nil, rangeList{{Start: 0x1000, End: 0x2000}}, 0),
	}
	if err := pt.Walk(hostarch.AddrRange{Start: 0, End: 0x3000}, r); err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	wantLeaves := []leafAction{
		{0x0, pagetables.Descend},
		{0x1000, pagetables.Skip},
		{0x2000, pagetables.Descend},
	}
	if diff := cmp.Diff(wantLeaves, r.leaves); diff != "" {
		t.Errorf("leaf decisions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x0, 0x2000}, r.visited); diff != "" {
		t.Errorf("visited leaves mismatch (-want +got):\n%s", diff)
	}
}
