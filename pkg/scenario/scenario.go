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

// Package scenario builds simulated processes from a scenario file, fuzzes
// their address spaces and checks that restoring a snapshot undoes the
// changes.
package scenario

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/snapshot"
)

// Defaults applied to zero-valued scenario fields.
const (
	defaultIterations = 100
	defaultWrites     = 16
	defaultHeapBase   = 0x1000000
	defaultMaxHeap    = 64
)

// Scenario is the contents of a scenario file.
type Scenario struct {
	// Seed seeds the pseudo-random generator of each process. Process i
	// uses Seed+i.
	Seed int64 `toml:"seed"`

	// Iterations is the number of fuzz/restore rounds per process.
	Iterations int `toml:"iterations"`

	// Workers is the number of processes run concurrently. Each one
	// delivers its events on its own worker.
	Workers int `toml:"workers"`

	Processes []Process `toml:"process"`
}

// Process describes one simulated process.
type Process struct {
	PID int32 `toml:"pid"`

	// Config is the snapshot configuration, e.g. "mmap,nostack".
	Config snapshot.Config `toml:"config"`

	// StackPages, if not zero, sets up a stack of that many pages, all of
	// them written before the snapshot.
	StackPages uint64 `toml:"stack_pages"`

	// HeapBase and HeapPages set up a program break. HeapPages is the
	// break at snapshot time, MaxHeapPages bounds it while fuzzing.
	HeapBase     uint64 `toml:"heap_base"`
	HeapPages    uint64 `toml:"heap_pages"`
	MaxHeapPages uint64 `toml:"max_heap_pages"`

	Mappings []Mapping `toml:"mapping"`
	Include  []Range   `toml:"include"`
	Exclude  []Range   `toml:"exclude"`
	Fuzz     Fuzz      `toml:"fuzz"`
}

// Mapping is a mapping created before the snapshot.
type Mapping struct {
	// Addr is the fixed address of the mapping, or 0 to let the address
	// space choose.
	Addr  uint64 `toml:"addr"`
	Pages uint64 `toml:"pages"`

	// Perms is a subset of "rwx".
	Perms string `toml:"perms"`

	Shared bool `toml:"shared"`

	// File, if not empty, makes the mapping file-backed. The file holds
	// File repeated to the length of the mapping.
	File string `toml:"file"`

	// Touch is the probability that each page is written before the
	// snapshot.
	Touch float64 `toml:"touch"`
}

// Range is a half-open address range.
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// AddrRange returns r as a hostarch.AddrRange.
func (r Range) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)}
}

// Fuzz controls the operations applied to a process between restores.
type Fuzz struct {
	// Writes is the number of random writes per round.
	Writes int `toml:"writes"`

	// Maps is the number of new anonymous mappings per round. New
	// mappings are only made when the process restores mappings.
	Maps int `toml:"maps"`

	// Unmaps is the number of partial unmaps of anonymous scenario
	// mappings per round, also only when the process restores mappings.
	Unmaps int `toml:"unmaps"`

	// Brk moves the program break once per round.
	Brk bool `toml:"brk"`
}

// Load reads a scenario from a TOML file.
func Load(path string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.DecodeFile(path, &sc); err != nil {
		return nil, fmt.Errorf("loading scenario %q: %w", path, err)
	}
	if err := sc.init(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &sc, nil
}

// Parse reads a scenario from TOML text.
func Parse(text string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.Decode(text, &sc); err != nil {
		return nil, err
	}
	if err := sc.init(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// init applies defaults and validates the scenario.
func (sc *Scenario) init() error {
	if sc.Iterations == 0 {
		sc.Iterations = defaultIterations
	}
	if sc.Workers <= 0 {
		sc.Workers = len(sc.Processes)
	}
	if len(sc.Processes) == 0 {
		return fmt.Errorf("no processes: %w", unix.EINVAL)
	}
	seen := make(map[int32]bool)
	for i := range sc.Processes {
		p := &sc.Processes[i]
		if p.PID <= 0 {
			return fmt.Errorf("process %d: invalid pid %d: %w", i, p.PID, unix.EINVAL)
		}
		if seen[p.PID] {
			return fmt.Errorf("process %d: duplicate pid %d: %w", i, p.PID, unix.EINVAL)
		}
		seen[p.PID] = true
		if err := p.init(); err != nil {
			return fmt.Errorf("pid %d: %w", p.PID, err)
		}
	}
	return nil
}

func (p *Process) init() error {
	if p.Fuzz.Writes == 0 {
		p.Fuzz.Writes = defaultWrites
	}
	if p.HeapPages != 0 || p.Fuzz.Brk {
		if p.HeapBase == 0 {
			p.HeapBase = defaultHeapBase
		}
		if p.MaxHeapPages == 0 {
			p.MaxHeapPages = max(p.HeapPages, defaultMaxHeap)
		}
		if !hostarch.Addr(p.HeapBase).IsPageAligned() || p.HeapPages > p.MaxHeapPages {
			return fmt.Errorf("bad heap (base %#x, %d of %d pages): %w", p.HeapBase, p.HeapPages, p.MaxHeapPages, unix.EINVAL)
		}
	}
	for i, m := range p.Mappings {
		if m.Pages == 0 || !hostarch.Addr(m.Addr).IsPageAligned() {
			return fmt.Errorf("mapping %d: bad address %#x or length %d: %w", i, m.Addr, m.Pages, unix.EINVAL)
		}
		if _, err := parsePerms(m.Perms); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		if m.Touch < 0 || m.Touch > 1 {
			return fmt.Errorf("mapping %d: touch %v out of [0, 1]: %w", i, m.Touch, unix.EINVAL)
		}
	}
	for _, r := range append(append([]Range(nil), p.Include...), p.Exclude...) {
		ar := r.AddrRange()
		if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
			return fmt.Errorf("bad range %v: %w", ar, unix.EINVAL)
		}
	}
	// Which of two overlapping entries applies depends on the page table
	// walk, so the pages restored could not be predicted.
	for _, in := range p.Include {
		for _, ex := range p.Exclude {
			if in.AddrRange().Overlaps(ex.AddrRange()) {
				return fmt.Errorf("include %v overlaps exclude %v: %w", in.AddrRange(), ex.AddrRange(), unix.EINVAL)
			}
		}
	}
	return nil
}

// parsePerms parses a permission string such as "rw" or "r-x".
func parsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("bad permissions %q: %w", s, unix.EINVAL)
		}
	}
	return at, nil
}
