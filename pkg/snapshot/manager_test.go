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
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/mm"
)

// deliver sends a new mapping event for pid through worker, filling the
// worker's cache slot.
func deliver(m *Manager, mem *mm.MemoryManager, worker int, pid PID) {
	mem.Lock()
	defer mem.Unlock()
	m.OnNewMapping(worker, pid, 0)
}

// cached returns the contents of worker's cache slot.
func cached(m *Manager, worker int) (PID, *TrackedProcess) {
	s := &m.cache.slots[worker]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid, s.p
}

func checkCached(t *testing.T, m *Manager, worker int, want *TrackedProcess) {
	t.Helper()
	if _, got := cached(m, worker); got != want {
		t.Errorf("worker %d cached %p, want %p", worker, got, want)
	}
}

func TestCacheInvalidation(t *testing.T) {
	m, mem, p := newProcess(t, Options{Workers: 2})
	mmapAt(t, mem, base, 1)

	fillCaches := func() {
		t.Helper()
		for w := 0; w < 2; w++ {
			deliver(m, mem, w, 1)
			checkCached(t, m, w, p)
		}
	}

	fillCaches()
	if err := m.TakeSnapshot(1, 0); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	checkCached(t, m, 0, nil)
	checkCached(t, m, 1, nil)

	fillCaches()
	if err := m.ClearSnapshot(1); err != nil {
		t.Fatalf("ClearSnapshot failed: %v", err)
	}
	checkCached(t, m, 0, nil)
	checkCached(t, m, 1, nil)

	fillCaches()
	if err := m.Untrack(1); err != nil {
		t.Fatalf("Untrack failed: %v", err)
	}
	checkCached(t, m, 0, nil)
	checkCached(t, m, 1, nil)
	if got := m.lookup(0, 1); got != nil {
		t.Errorf("lookup after Untrack = %p, want nil", got)
	}
	checkCached(t, m, 0, nil)

	// A new process with the same id must not be shadowed by the old one.
	other := mm.NewMemoryManager()
	p2 := track(t, m, 1, other, nil)
	if p2 == p {
		t.Fatalf("Track after Untrack returned the released process")
	}
	deliver(m, other, 0, 1)
	checkCached(t, m, 0, p2)
}

func TestCacheBypass(t *testing.T) {
	m, mem, p := newProcess(t, Options{Workers: 1})
	if got := m.lookup(5, 1); got != p {
		t.Errorf("lookup from uncached worker = %p, want %p", got, p)
	}
	if got := m.lookup(0, 2); got != nil {
		t.Errorf("lookup of unknown pid = %p, want nil", got)
	}
	// Misses are not cached.
	checkCached(t, m, 0, nil)
	deliver(m, mem, 0, 1)
	if pid, got := cached(m, 0); pid != 1 || got != p {
		t.Errorf("cached(0) = %d, %p, want 1, %p", pid, got, p)
	}
}

func TestControlErrors(t *testing.T) {
	m, mem, p := newProcess(t, Options{})
	mmapAt(t, mem, base, 1)

	if err := m.RestoreSnapshot(2); !errors.Is(err, ErrNotTracked) {
		t.Errorf("RestoreSnapshot(untracked) = %v, want %v", err, ErrNotTracked)
	}
	if err := m.TakeSnapshot(2, 0); !errors.Is(err, ErrNotTracked) {
		t.Errorf("TakeSnapshot(untracked) = %v, want %v", err, ErrNotTracked)
	}
	if err := m.Untrack(2); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Untrack(untracked) = %v, want %v", err, ErrNotTracked)
	}
	if m.HasSnapshot(2) {
		t.Errorf("HasSnapshot(untracked) = true")
	}
	if err := m.RestoreSnapshot(1); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("RestoreSnapshot before capture = %v, want %v", err, ErrNoSnapshot)
	}

	bad := hostarch.AddrRange{Start: 0x2000, End: 0x1000}
	if err := m.IncludeRange(1, bad); !errors.Is(err, unix.EINVAL) {
		t.Errorf("IncludeRange(%v) = %v, want EINVAL", bad, err)
	}
	if err := m.ExcludeRange(1, hostarch.AddrRange{Start: 0x1000, End: 0x1000}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("ExcludeRange(empty) = %v, want EINVAL", err)
	}

	if _, err := m.Track(1, mm.NewMemoryManager()); !errors.Is(err, unix.EEXIST) {
		t.Errorf("Track with another address space = %v, want EEXIST", err)
	}
	if got, err := m.Track(1, mem); err != nil || got != p {
		t.Errorf("Track again = %p, %v, want %p, nil", got, err, p)
	}

	if err := m.TakeSnapshot(1, MMap); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if !m.HasSnapshot(1) {
		t.Errorf("HasSnapshot after capture = false")
	}
	if got := p.Config(); got != MMap {
		t.Errorf("Config = %v, want %v", got, MMap)
	}
	if err := m.ClearSnapshot(1); err != nil {
		t.Fatalf("ClearSnapshot failed: %v", err)
	}
	if m.HasSnapshot(1) {
		t.Errorf("HasSnapshot after ClearSnapshot = true")
	}
	if err := m.RestoreSnapshot(1); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("RestoreSnapshot after ClearSnapshot = %v, want %v", err, ErrNoSnapshot)
	}
	if diff := cmp.Diff(Stats{Captures: 1}, p.Stats()); diff != "" {
		t.Errorf("Stats after ClearSnapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestIncludeExcludeLists(t *testing.T) {
	m, _, p := newProcess(t, Options{})
	a := hostarch.AddrRange{Start: 0x1000, End: 0x3000}
	b := hostarch.AddrRange{Start: 0x8000, End: 0x9000}
	for _, ar := range []hostarch.AddrRange{a, b} {
		if err := m.ExcludeRange(1, ar); err != nil {
			t.Fatalf("ExcludeRange(%v) failed: %v", ar, err)
		}
	}
	if err := m.IncludeRange(1, a); err != nil {
		t.Fatalf("IncludeRange(%v) failed: %v", a, err)
	}
	if diff := cmp.Diff([]hostarch.AddrRange{a, b}, p.ExcludedRanges()); diff != "" {
		t.Errorf("ExcludedRanges mismatch (-want +got):\n%s", diff)
	}
}

func TestSavedPageLimit(t *testing.T) {
	m, mem, p := newProcess(t, Options{MaxSavedPages: 1})
	mmapAt(t, mem, base, 2)
	write(t, mem, page(0), fill(1))
	write(t, mem, page(1), fill(2))
	if err := m.TakeSnapshot(1, 0); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}

	write(t, mem, page(0), fill(3))
	write(t, mem, page(1), fill(4))
	checkRecords(t, p, map[hostarch.Addr]recordState{
		page(0): {Kind: kindPrivateWritable, Dirty: true, Queued: true, Copied: true, HadPTE: true},
		// The second page could not be saved and is no longer tracked.
		page(1): {Kind: kindPrivateWritable, HadPTE: true},
	})
	if got := mem.Stats().Handled; got != 1 {
		t.Errorf("handled faults = %d, want 1", got)
	}

	if err := m.RestoreSnapshot(1); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if got := read(t, mem, page(0), hostarch.PageSize); !bytes.Equal(got, fill(1)) {
		t.Errorf("page 0 not restored")
	}
	if got := read(t, mem, page(1), hostarch.PageSize); !bytes.Equal(got, fill(4)) {
		t.Errorf("untracked page 1 changed by restore")
	}
}

func TestBufferPool(t *testing.T) {
	var mapped, unmapped int
	b := newBufferPool(slabPages + 1)
	b.mmap = func(length int) ([]byte, error) {
		mapped++
		return make([]byte, length), nil
	}
	b.munmap = func([]byte) error {
		unmapped++
		return nil
	}

	seen := make(map[*byte]bool)
	for i := 0; i < slabPages+1; i++ {
		buf, err := b.alloc()
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		if len(buf) != hostarch.PageSize || cap(buf) != hostarch.PageSize {
			t.Fatalf("alloc %d: len %d cap %d, want %d", i, len(buf), cap(buf), hostarch.PageSize)
		}
		if seen[&buf[0]] {
			t.Fatalf("alloc %d returned a buffer twice", i)
		}
		seen[&buf[0]] = true
	}
	if mapped != 2 {
		t.Errorf("slabs mapped = %d, want 2", mapped)
	}
	if _, err := b.alloc(); !errors.Is(err, ErrAllocation) {
		t.Errorf("alloc past limit = %v, want %v", err, ErrAllocation)
	}
	if err := b.release(); err != nil {
		t.Errorf("release failed: %v", err)
	}
	if unmapped != 2 {
		t.Errorf("slabs unmapped = %d, want 2", unmapped)
	}

	b.mmap = func(int) ([]byte, error) { return nil, unix.ENOMEM }
	_, err := b.alloc()
	if !errors.Is(err, ErrAllocation) || !errors.Is(err, unix.ENOMEM) {
		t.Errorf("alloc with failing mmap = %v, want %v and ENOMEM", err, ErrAllocation)
	}
}

func TestBufferAllocationFailureUnderTracks(t *testing.T) {
	m, mem, p := newProcess(t, Options{})
	mmapAt(t, mem, base, 1)
	write(t, mem, page(0), fill(1))
	if err := m.TakeSnapshot(1, 0); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	p.mu.Lock()
	p.buffers.mmap = func(int) ([]byte, error) { return nil, unix.ENOMEM }
	p.mu.Unlock()

	write(t, mem, page(0), fill(2))
	checkRecords(t, p, map[hostarch.Addr]recordState{
		page(0): {Kind: kindPrivateWritable, HadPTE: true},
	})
	if got := p.Stats().DirtyPages; got != 0 {
		t.Errorf("dirty pages = %d, want 0", got)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, mem, _ := newProcess(t, Options{Registerer: reg})
	mmapAt(t, mem, base, 2)
	write(t, mem, page(0), fill(1))
	if err := m.TakeSnapshot(1, 0); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	write(t, mem, page(0), fill(2))
	write(t, mem, page(1), fill(3))
	if err := m.RestoreSnapshot(1); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	for _, tc := range []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"tracked", m.metrics.tracked, 1},
		{"captures", m.metrics.captures, 1},
		{"restores", m.metrics.restores, 1},
		{"restore failures", m.metrics.restoreFailures, 0},
		{"pages restored", m.metrics.pagesRestored, 1},
		{"pages zapped", m.metrics.pagesZapped, 1},
		{"write faults", m.metrics.faults.WithLabelValues("write"), 1},
	} {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
	if n, err := testutil.GatherAndCount(reg, "memsnap_restore_dirty_pages"); err != nil || n != 1 {
		t.Errorf("GatherAndCount(memsnap_restore_dirty_pages) = %d, %v, want 1, nil", n, err)
	}
}

func TestConcurrentProcesses(t *testing.T) {
	const (
		procs  = 8
		rounds = 20
		pages  = 16
	)
	m := NewManager(Options{Workers: procs})
	var g errgroup.Group
	for i := 0; i < procs; i++ {
		pid := PID(100 + i)
		worker := i
		g.Go(func() error {
			mem := mm.NewMemoryManager()
			if _, err := m.Track(pid, mem); err != nil {
				return err
			}
			mem.SetObserver(m.Observer(worker, pid))
			ar, err := mem.MMap(mm.MMapOpts{
				Length:  pages * hostarch.PageSize,
				Perms:   hostarch.ReadWrite,
				Private: true,
			})
			if err != nil {
				return err
			}
			want := make([]byte, pages*hostarch.PageSize)
			for j := range want {
				want[j] = byte(int(pid) + j)
			}
			// Leave the second half unpopulated.
			if _, err := mem.CopyOut(ar.Start, want[:len(want)/2]); err != nil {
				return err
			}
			for j := len(want) / 2; j < len(want); j++ {
				want[j] = 0
			}
			if err := m.TakeSnapshot(pid, MMap); err != nil {
				return err
			}

			rng := rand.New(rand.NewSource(int64(pid)))
			got := make([]byte, len(want))
			for r := 0; r < rounds; r++ {
				for k := 0; k < 8; k++ {
					off := rng.Intn(len(want) - 8)
					if _, err := mem.CopyOut(ar.Start+hostarch.Addr(off), []byte("diverged")); err != nil {
						return err
					}
				}
				if err := m.RestoreSnapshot(pid); err != nil {
					return err
				}
				if _, err := mem.CopyIn(ar.Start, got); err != nil {
					return err
				}
				if !bytes.Equal(got, want) {
					return fmt.Errorf("pid %d round %d: contents differ after restore", pid, r)
				}
			}
			return m.Untrack(pid)
		})
	}
	g.Go(func() error {
		for k := 0; k < 100; k++ {
			for _, pid := range m.Registry().PIDs() {
				m.HasSnapshot(pid)
				if p := m.Registry().Get(pid); p != nil {
					p.Stats()
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := m.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d processes after Untrack, want 0", n)
	}
}
