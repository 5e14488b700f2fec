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

package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/mm"
	"gvisor.dev/memsnap/pkg/snapshot"
)

const testScenario = `
seed = 7
iterations = 10
workers = 2

[[process]]
pid = 100
config = "mmap"
stack_pages = 4
heap_pages = 4
fuzz = { writes = 32, maps = 2, unmaps = 2, brk = true }

  [[process.mapping]]
  addr = 0x400000
  pages = 16
  perms = "rw"
  touch = 0.5

  [[process.mapping]]
  pages = 4
  perms = "rw"
  file = "file contents "

  [[process.mapping]]
  pages = 2
  perms = "rw"
  shared = true
  touch = 1.0

  [[process.exclude]]
  start = 0x402000
  end = 0x404000

[[process]]
pid = 101
config = "block,nostack"
stack_pages = 2

  [[process.mapping]]
  addr = 0x400000
  pages = 8
  perms = "rw"
  touch = 1.0

  [[process.mapping]]
  addr = 0x500000
  pages = 8
  perms = "rw"
  touch = 1.0

  [[process.include]]
  start = 0x500000
  end = 0x504000

[[process]]
pid = 102
config = "nobrk"
heap_pages = 2
fuzz = { writes = 8, brk = true }

  [[process.mapping]]
  pages = 4
  perms = "rw"
  touch = 0.25

  [[process.mapping]]
  pages = 1
  perms = "r"
`

func TestParse(t *testing.T) {
	sc, err := Parse(testScenario)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sc.Processes) != 3 {
		t.Fatalf("got %d processes, want 3", len(sc.Processes))
	}
	p := sc.Processes[0]
	if p.Config != snapshot.MMap {
		t.Errorf("config = %v, want %v", p.Config, snapshot.MMap)
	}
	if diff := cmp.Diff(Fuzz{Writes: 32, Maps: 2, Unmaps: 2, Brk: true}, p.Fuzz); diff != "" {
		t.Errorf("fuzz mismatch (-want +got):\n%s", diff)
	}
	if p.HeapBase != defaultHeapBase || p.MaxHeapPages != defaultMaxHeap {
		t.Errorf("heap = %#x/%d, want defaults %#x/%d", p.HeapBase, p.MaxHeapPages, defaultHeapBase, defaultMaxHeap)
	}
	if got, want := sc.Processes[1].Config, snapshot.Block|snapshot.NoStack; got != want {
		t.Errorf("config = %v, want %v", got, want)
	}
	if got := sc.Processes[1].Fuzz.Writes; got != defaultWrites {
		t.Errorf("default writes = %d, want %d", got, defaultWrites)
	}
	want := []Range{{Start: 0x500000, End: 0x504000}}
	if diff := cmp.Diff(want, sc.Processes[1].Include); diff != "" {
		t.Errorf("include mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
	}{
		{"no processes", `seed = 1`},
		{"bad pid", "[[process]]\npid = 0"},
		{"duplicate pid", "[[process]]\npid = 1\n[[process]]\npid = 1"},
		{"bad perms", "[[process]]\npid = 1\n[[process.mapping]]\npages = 1\nperms = \"rwz\""},
		{"empty mapping", "[[process]]\npid = 1\n[[process.mapping]]\nperms = \"rw\""},
		{"unaligned mapping", "[[process]]\npid = 1\n[[process.mapping]]\naddr = 0x1001\npages = 1"},
		{"bad touch", "[[process]]\npid = 1\n[[process.mapping]]\npages = 1\ntouch = 2.0"},
		{"bad range", "[[process]]\npid = 1\n[[process.exclude]]\nstart = 0x2000\nend = 0x1000"},
		{"heap too big", "[[process]]\npid = 1\nheap_pages = 8\nmax_heap_pages = 4"},
		{"include overlaps exclude", "[[process]]\npid = 1\ninclude = [{start = 0x1000, end = 0x3000}]\nexclude = [{start = 0x2000, end = 0x4000}]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.text); !errors.Is(err, unix.EINVAL) {
				t.Errorf("Parse = %v, want EINVAL", err)
			}
		})
	}

	if _, err := Parse("[[process]]\npid = 1\nconfig = \"fast\""); err == nil {
		t.Errorf("Parse with unknown config flag succeeded")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte(testScenario), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sc.Iterations != 10 || sc.Workers != 2 || sc.Seed != 7 {
		t.Errorf("Load = iterations %d, workers %d, seed %d; want 10, 2, 7", sc.Iterations, sc.Workers, sc.Seed)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestRun(t *testing.T) {
	for _, keep := range []bool{false, true} {
		sc, err := Parse(testScenario)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		m := snapshot.NewManager(snapshot.Options{Workers: sc.Workers})
		r := Runner{Manager: m, Keep: keep}
		results, err := r.Run(context.Background(), sc)
		if err != nil {
			t.Fatalf("Run(keep=%t) failed: %v", keep, err)
		}
		for i, res := range results {
			if res.PID != snapshot.PID(sc.Processes[i].PID) {
				t.Errorf("result %d: pid %d, want %d", i, res.PID, sc.Processes[i].PID)
			}
			if res.Rounds != sc.Iterations {
				t.Errorf("pid %d: %d rounds, want %d", res.PID, res.Rounds, sc.Iterations)
			}
			if res.Snapshot.Restores != uint64(sc.Iterations) {
				t.Errorf("pid %d: %d restores, want %d", res.PID, res.Snapshot.Restores, sc.Iterations)
			}
			if res.Verified == 0 {
				t.Errorf("pid %d: no pages verified", res.PID)
			}
			if res.Snapshot.Warnings != 0 {
				t.Errorf("pid %d: %d protocol warnings", res.PID, res.Snapshot.Warnings)
			}
		}
		var want []snapshot.PID
		if keep {
			want = []snapshot.PID{100, 101, 102}
		}
		if diff := cmp.Diff(want, m.Registry().PIDs(), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("tracked processes (keep=%t) mismatch (-want +got):\n%s", keep, diff)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	sc, err := Parse(testScenario)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := snapshot.NewManager(snapshot.Options{})
	r := Runner{Manager: m, Keep: true}
	if _, err := r.Run(ctx, sc); !errors.Is(err, context.Canceled) {
		t.Errorf("Run with canceled context = %v, want %v", err, context.Canceled)
	}
	if n := m.Registry().Len(); n != 0 {
		t.Errorf("%d processes still tracked after failed run", n)
	}
}

func TestWorkerSlots(t *testing.T) {
	slots := newWorkerSlots(3)
	ctx := context.Background()
	var got []int
	for i := 0; i < 3; i++ {
		w, err := slots.get(ctx)
		if err != nil {
			t.Fatalf("get %d failed: %v", i, err)
		}
		got = append(got, w)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, got, cmpopts.SortSlices(func(a, b int) bool { return a < b })); diff != "" {
		t.Errorf("held slots mismatch (-want +got):\n%s", diff)
	}

	// Every slot is held, so a further get waits for a put.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := slots.get(canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("get with all slots held = %v, want %v", err, context.Canceled)
	}

	slots.put(got[1])
	w, err := slots.get(ctx)
	if err != nil {
		t.Fatalf("get after put failed: %v", err)
	}
	if w != got[1] {
		t.Errorf("get after put = %d, want %d", w, got[1])
	}
}

func TestVerifyDetectsDivergence(t *testing.T) {
	sc, err := Parse(testScenario)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := snapshot.NewManager(snapshot.Options{})
	desc := &sc.Processes[1]
	inst, err := Build(m, 0, desc, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer inst.Release()
	if err := inst.Verify(); err != nil {
		t.Fatalf("Verify after Build failed: %v", err)
	}

	// Included and written before the snapshot, so verified.
	if _, err := inst.mem.CopyOut(0x500000, []byte("changed")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := inst.Verify(); err == nil {
		t.Errorf("Verify after a write succeeded")
	}
	if err := m.RestoreSnapshot(inst.PID()); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if err := inst.Verify(); err != nil {
		t.Errorf("Verify after restore failed: %v", err)
	}

	// Not included, so neither restored nor verified.
	if _, err := inst.mem.CopyOut(0x400000, []byte("changed")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := inst.Verify(); err != nil {
		t.Errorf("Verify after a write outside the include list failed: %v", err)
	}

	if _, err := inst.mem.MMap(mm.MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true}); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if err := inst.Verify(); err == nil {
		t.Errorf("Verify with an extra mapping succeeded")
	}
}

func TestVerifiedPages(t *testing.T) {
	desc := &Process{
		Config:  snapshot.Block,
		Include: []Range{{Start: 0x1000, End: 0x2000}, {Start: 0x3000, End: 0x4000}},
		Exclude: []Range{{Start: 0x2000, End: 0x3000}},
	}
	inst := &Instance{desc: desc}
	var got []hostarch.Addr
	for addr := hostarch.Addr(0); addr < 0x5000; addr += hostarch.PageSize {
		if inst.verified(addr) {
			got = append(got, addr)
		}
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x3000}, got); diff != "" {
		t.Errorf("verified pages mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTestdata(t *testing.T) {
	sc, err := Load(filepath.Join("testdata", "fuzz.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	r := Runner{Manager: snapshot.NewManager(snapshot.Options{Workers: sc.Workers})}
	results, err := r.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}
