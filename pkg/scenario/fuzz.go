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
	"errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/mm"
	"gvisor.dev/memsnap/pkg/snapshot"
)

const (
	maxWriteLen = 64
	maxMapPages = 8
)

// fuzz applies one round of random operations to the address space.
// Mapping changes are only made if the snapshot restores mappings, and the
// break only moves if the snapshot restores it.
func (inst *Instance) fuzz() error {
	desc := inst.desc
	for i := 0; i < desc.Fuzz.Writes; i++ {
		if err := inst.fuzzWrite(); err != nil {
			return err
		}
	}
	if desc.Config&snapshot.MMap != 0 {
		for i := 0; i < desc.Fuzz.Maps; i++ {
			if err := inst.fuzzMap(); err != nil {
				return err
			}
		}
		for i := 0; i < desc.Fuzz.Unmaps && len(inst.owned) != 0; i++ {
			if err := inst.fuzzUnmap(); err != nil {
				return err
			}
		}
	}
	if desc.Fuzz.Brk && desc.HeapBase != 0 && desc.Config&snapshot.NoBrk == 0 {
		return inst.fuzzBrk()
	}
	return nil
}

// fuzzWrite writes random bytes at a random offset of a writable private
// mapping.
func (inst *Instance) fuzzWrite() error {
	var targets []memmap.VMA
	for _, v := range inst.mem.Mappings() {
		if v.Private && v.Perms.Write {
			targets = append(targets, v)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	v := targets[inst.rng.Intn(len(targets))]
	off := uint64(inst.rng.Int63n(int64(v.Range.Length())))
	n := min(1+inst.rng.Intn(maxWriteLen), int(uint64(v.Range.Length())-off))
	buf := make([]byte, n)
	inst.rng.Read(buf)
	if _, err := inst.mem.CopyOut(v.Range.Start+hostarch.Addr(off), buf); err != nil {
		return err
	}
	inst.counts.Writes++
	return nil
}

// fuzzMap creates a new anonymous mapping and sometimes writes to it.
func (inst *Instance) fuzzMap() error {
	ar, err := inst.mem.MMap(mm.MMapOpts{
		Length:  uint64(1+inst.rng.Intn(maxMapPages)) * hostarch.PageSize,
		Perms:   hostarch.ReadWrite,
		Private: true,
	})
	if err != nil {
		return err
	}
	inst.counts.Maps++
	if inst.rng.Intn(2) == 0 {
		if _, err := inst.mem.CopyOut(ar.Start, []byte("fuzz")); err != nil {
			return err
		}
	}
	return nil
}

// fuzzUnmap unmaps a random page range of a scenario mapping.
func (inst *Instance) fuzzUnmap() error {
	ar := inst.owned[inst.rng.Intn(len(inst.owned))]
	pages := int(ar.NumPages())
	first := inst.rng.Intn(pages)
	n := 1 + inst.rng.Intn(pages-first)
	start := ar.Start + hostarch.Addr(first)*hostarch.PageSize
	if err := inst.mem.MUnmap(start, uint64(n)*hostarch.PageSize); err != nil {
		return err
	}
	inst.counts.Unmaps++
	return nil
}

// fuzzBrk moves the program break to a random page within the heap limit
// and writes to the heap if it grew.
func (inst *Instance) fuzzBrk() error {
	start := hostarch.Addr(inst.desc.HeapBase)
	old, err := inst.mem.Brk(0)
	if err != nil {
		return err
	}
	brk := start + hostarch.Addr(inst.rng.Intn(int(inst.desc.MaxHeapPages)+1))*hostarch.PageSize
	got, err := inst.mem.Brk(brk)
	if errors.Is(err, unix.ENOMEM) {
		log.Debugf("pid %d: brk(%v): %v", inst.pid, brk, err)
		return nil
	}
	if err != nil {
		return err
	}
	inst.counts.BrkMoves++
	if got > old {
		page := old.MustRoundUp()
		if page < got {
			if _, err := inst.mem.CopyOut(page, []byte("heap")); err != nil {
				return err
			}
		}
	}
	return nil
}
