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
	"bytes"
	"fmt"
	"math/rand"

	"gvisor.dev/memsnap/pkg/cleanup"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/mm"
	"gvisor.dev/memsnap/pkg/snapshot"
)

// Counts are the operations applied to an instance.
type Counts struct {
	Rounds   int
	Writes   int
	Maps     int
	Unmaps   int
	BrkMoves int
}

// savedPage is the expected content of a page after every restore.
type savedPage struct {
	addr hostarch.Addr
	data []byte
}

// Instance is a simulated process built from a Process description and
// tracked by a snapshot.Manager.
type Instance struct {
	m      *snapshot.Manager
	pid    snapshot.PID
	desc   *Process
	mem    *mm.MemoryManager
	proc   *snapshot.TrackedProcess
	rng    *rand.Rand
	counts Counts

	// owned are the anonymous private mappings created from the
	// scenario, which the fuzzer may unmap.
	owned []hostarch.AddrRange

	// layout and image are the mappings and verified page contents at
	// snapshot time.
	layout []memmap.VMA
	image  []savedPage
}

// Build creates the process described by desc, tracks it with m using
// worker for event delivery, populates it and takes its snapshot.
func Build(m *snapshot.Manager, worker int, desc *Process, seed int64) (*Instance, error) {
	pid := snapshot.PID(desc.PID)
	mem := mm.NewMemoryManager()
	proc, err := m.Track(pid, mem)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := m.Untrack(pid); err != nil {
			log.Warningf("pid %d: %v", pid, err)
		}
	})
	defer cu.Clean()
	mem.SetObserver(m.Observer(worker, pid))

	inst := &Instance{
		m:    m,
		pid:  pid,
		desc: desc,
		mem:  mem,
		proc: proc,
		rng:  rand.New(rand.NewSource(seed)),
	}
	if err := inst.populate(); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	for _, r := range desc.Include {
		if err := m.IncludeRange(pid, r.AddrRange()); err != nil {
			return nil, err
		}
	}
	for _, r := range desc.Exclude {
		if err := m.ExcludeRange(pid, r.AddrRange()); err != nil {
			return nil, err
		}
	}
	if err := m.TakeSnapshot(pid, desc.Config); err != nil {
		return nil, err
	}
	if err := inst.record(); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	log.Debugf("pid %d: snapshot of %d pages, %d verified", pid, proc.Stats().Pages, len(inst.image))
	cu.Release()
	return inst, nil
}

// populate creates the stack, heap and mappings of the process.
func (inst *Instance) populate() error {
	desc := inst.desc
	if desc.StackPages != 0 {
		ar, err := inst.mem.SetupStack(desc.StackPages * hostarch.PageSize)
		if err != nil {
			return fmt.Errorf("stack: %w", err)
		}
		if err := inst.touch(ar, 1); err != nil {
			return err
		}
	}
	if desc.HeapBase != 0 {
		start := hostarch.Addr(desc.HeapBase)
		if err := inst.mem.SetupHeap(start); err != nil {
			return fmt.Errorf("heap: %w", err)
		}
		if desc.HeapPages != 0 {
			end := start + hostarch.Addr(desc.HeapPages*hostarch.PageSize)
			if _, err := inst.mem.Brk(end); err != nil {
				return fmt.Errorf("brk: %w", err)
			}
			if err := inst.touch(hostarch.AddrRange{Start: start, End: end}, 1); err != nil {
				return err
			}
		}
	}
	for i, mp := range desc.Mappings {
		perms, err := parsePerms(mp.Perms)
		if err != nil {
			return err
		}
		opts := mm.MMapOpts{
			Length:    mp.Pages * hostarch.PageSize,
			Addr:      hostarch.Addr(mp.Addr),
			Fixed:     mp.Addr != 0,
			NoReplace: mp.Addr != 0,
			Perms:     perms,
			Private:   !mp.Shared,
		}
		if mp.File != "" {
			opts.File = fileContents(mp.File, int(opts.Length))
		}
		ar, err := inst.mem.MMap(opts)
		if err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		if mp.File == "" && !mp.Shared {
			inst.owned = append(inst.owned, ar)
		}
		if perms.Write {
			if err := inst.touch(ar, mp.Touch); err != nil {
				return err
			}
		}
	}
	return nil
}

func fileContents(pattern string, length int) []byte {
	return bytes.Repeat([]byte(pattern), length/len(pattern)+1)[:length]
}

// touch writes random bytes to each page of ar with probability p.
func (inst *Instance) touch(ar hostarch.AddrRange, p float64) error {
	buf := make([]byte, hostarch.PageSize)
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if inst.rng.Float64() >= p {
			continue
		}
		inst.rng.Read(buf)
		if _, err := inst.mem.CopyOut(addr, buf); err != nil {
			return fmt.Errorf("writing %v: %w", addr, err)
		}
	}
	return nil
}

// verified returns true if the page at addr is restored to its captured
// contents: it was not excluded and, if the process snapshots only
// included ranges, it was included.
func (inst *Instance) verified(addr hostarch.Addr) bool {
	pr := addr.PageRange()
	for _, r := range inst.desc.Exclude {
		if r.AddrRange().Overlaps(pr) {
			return false
		}
	}
	if inst.desc.Config&snapshot.Block == 0 {
		return true
	}
	for _, r := range inst.desc.Include {
		if r.AddrRange().Overlaps(pr) {
			return true
		}
	}
	return false
}

// record saves the mappings and the contents of every verified page in the
// private snapshotted mappings. Writes to shared mappings are never
// reported, so those are not verified.
func (inst *Instance) record() error {
	inst.layout = inst.mem.Mappings()
	snapshotted := inst.proc.SnapshottedRanges()
	for _, v := range inst.layout {
		if !v.Private {
			continue
		}
		for _, sr := range snapshotted {
			ar := v.Range.Intersect(sr)
			for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
				if !inst.verified(addr) {
					continue
				}
				data := make([]byte, hostarch.PageSize)
				if _, err := inst.mem.CopyIn(addr, data); err != nil {
					return fmt.Errorf("reading %v: %w", addr, err)
				}
				inst.image = append(inst.image, savedPage{addr, data})
			}
		}
	}
	return nil
}

// Verify checks that the address space matches its snapshot.
func (inst *Instance) Verify() error {
	cur := inst.mem.Mappings()
	if len(cur) != len(inst.layout) {
		return fmt.Errorf("%d mappings, want %d: %v", len(cur), len(inst.layout), cur)
	}
	for i, v := range cur {
		want := inst.layout[i]
		if v.Range != want.Range || v.Perms != want.Perms {
			return fmt.Errorf("mapping %v, want %v", v, want)
		}
	}
	buf := make([]byte, hostarch.PageSize)
	for _, sp := range inst.image {
		if _, err := inst.mem.CopyIn(sp.addr, buf); err != nil {
			return fmt.Errorf("reading %v: %w", sp.addr, err)
		}
		if !bytes.Equal(buf, sp.data) {
			return fmt.Errorf("page %v differs from its snapshot", sp.addr)
		}
	}
	return nil
}

// Round fuzzes the address space, restores the snapshot and verifies the
// result.
func (inst *Instance) Round() error {
	if err := inst.fuzz(); err != nil {
		return fmt.Errorf("fuzzing: %w", err)
	}
	if err := inst.m.RestoreSnapshot(inst.pid); err != nil {
		return err
	}
	if err := inst.Verify(); err != nil {
		return err
	}
	inst.counts.Rounds++
	return nil
}

// PID returns the process ID of the instance.
func (inst *Instance) PID() snapshot.PID {
	return inst.pid
}

// Release stops tracking the process.
func (inst *Instance) Release() error {
	return inst.m.Untrack(inst.pid)
}

// Result summarizes the instance.
func (inst *Instance) Result() Result {
	return Result{
		PID:      inst.pid,
		Counts:   inst.counts,
		Snapshot: inst.proc.Stats(),
		MM:       inst.mem.Stats(),
		Verified: len(inst.image),
	}
}
