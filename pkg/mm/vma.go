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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// String implements fmt.Stringer.String.
func (v *vma) String() string {
	return v.info().String()
}

// mergeable returns true if next may be merged onto the end of v.
func (v *vma) mergeable(next *vma) bool {
	return v.ar.End == next.ar.Start &&
		v.anonymous && next.anonymous &&
		v.private == next.private &&
		v.perms == next.perms &&
		v.growsDown == next.growsDown &&
		v.hint == next.hint
}

// findLocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{ar: hostarch.AddrRange{Start: addr}}, func(v *vma) bool {
		if v.ar.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlappingLocked returns the vmas that overlap ar, in ascending order.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) overlappingLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	if v := mm.findLocked(ar.Start); v != nil {
		vs = append(vs, v)
	}
	mm.vmas.AscendRange(&vma{ar: hostarch.AddrRange{Start: ar.Start + 1}}, &vma{ar: hostarch.AddrRange{Start: ar.End}}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// splitLocked splits the vma containing addr at addr, if addr falls strictly
// inside it.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) splitLocked(addr hostarch.Addr) {
	v := mm.findLocked(addr)
	if v == nil || v.ar.Start == addr {
		return
	}
	upper := *v
	upper.ar.Start = addr
	// Start is the tree key, so shrinking End in place keeps v's position.
	v.ar.End = addr
	mm.vmas.ReplaceOrInsert(&upper)
}

// isolateLocked splits vmas so that every vma overlapping ar lies entirely
// within ar, and returns them.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) isolateLocked(ar hostarch.AddrRange) []*vma {
	mm.splitLocked(ar.Start)
	mm.splitLocked(ar.End)
	return mm.overlappingLocked(ar)
}

// insertLocked adds v, merging it with adjacent compatible anonymous vmas.
//
// Preconditions: mm.mu must be locked. v does not overlap any existing vma.
func (mm *MemoryManager) insertLocked(v *vma) {
	if next, ok := mm.vmas.Get(&vma{ar: hostarch.AddrRange{Start: v.ar.End}}); ok && v.mergeable(next) {
		mm.vmas.Delete(next)
		v.ar.End = next.ar.End
	}
	if v.ar.Start > 0 {
		if prev := mm.findLocked(v.ar.Start - 1); prev != nil && prev.mergeable(v) {
			prev.ar.End = v.ar.End
			return
		}
	}
	mm.vmas.ReplaceOrInsert(v)
}

// removeLocked removes all mappings in ar and releases their pages.
//
// Preconditions: mm.mu must be locked. ar is page-aligned.
func (mm *MemoryManager) removeLocked(ar hostarch.AddrRange) {
	for _, v := range mm.isolateLocked(ar) {
		mm.vmas.Delete(v)
	}
	mm.pt.Unmap(ar, func(_ hostarch.Addr, id uint64) {
		mm.decRefLocked(id)
	})
	mm.pt.Flush(ar)
}

// findAvailableLocked returns the lowest unmapped range of the given length
// at or above mm.mmapBase.
//
// Preconditions: mm.mu must be locked. length is page-aligned.
func (mm *MemoryManager) findAvailableLocked(length uint64) (hostarch.AddrRange, error) {
	start := mm.mmapBase
	if v := mm.findLocked(start); v != nil {
		start = v.ar.End
	}
	var (
		ar    hostarch.AddrRange
		found bool
	)
	mm.vmas.AscendGreaterOrEqual(&vma{ar: hostarch.AddrRange{Start: start}}, func(v *vma) bool {
		end, ok := start.AddLength(length)
		if !ok {
			return false
		}
		if end <= v.ar.Start {
			ar, found = hostarch.AddrRange{Start: start, End: end}, true
			return false
		}
		start = v.ar.End
		return true
	})
	if found {
		return ar, nil
	}
	end, ok := start.AddLength(length)
	if !ok || end > pagetables.MaxAddr() {
		return hostarch.AddrRange{}, unix.ENOMEM
	}
	return hostarch.AddrRange{Start: start, End: end}, nil
}

// mappingsLocked returns descriptions of all vmas.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) mappingsLocked() []memmap.VMA {
	vs := make([]memmap.VMA, 0, mm.vmas.Len())
	mm.vmas.Ascend(func(v *vma) bool {
		vs = append(vs, v.info())
		return true
	})
	return vs
}

// cloneVMAs returns a deep copy of t.
func cloneVMAs(t *btree.BTreeG[*vma]) *btree.BTreeG[*vma] {
	c := btree.NewG(btreeDegree, vmaLess)
	t.Ascend(func(v *vma) bool {
		cp := *v
		c.ReplaceOrInsert(&cp)
		return true
	})
	return c
}

// checkRange validates a user-supplied range.
func checkRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.Start.IsPageAligned() {
		return fmt.Errorf("range %v: %w", ar, unix.EINVAL)
	}
	return nil
}
