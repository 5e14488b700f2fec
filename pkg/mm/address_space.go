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
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/pagetables"
)

var _ memmap.AddressSpace = (*MemoryManager)(nil)

// Lock implements memmap.AddressSpace.Lock.
func (mm *MemoryManager) Lock() {
	mm.mu.Lock()
}

// Unlock implements memmap.AddressSpace.Unlock.
func (mm *MemoryManager) Unlock() {
	mm.mu.Unlock()
}

// VMAs implements memmap.AddressSpace.VMAs.
func (mm *MemoryManager) VMAs() []memmap.VMA {
	return mm.mappingsLocked()
}

// Walk implements memmap.AddressSpace.Walk.
func (mm *MemoryManager) Walk(ar hostarch.AddrRange, v pagetables.Visitor) error {
	return mm.pt.Walk(ar, v)
}

// LookupPTE implements memmap.AddressSpace.LookupPTE.
func (mm *MemoryManager) LookupPTE(addr hostarch.Addr) *pagetables.PTE {
	return mm.pt.Lookup(addr)
}

// ReadPage implements memmap.AddressSpace.ReadPage.
func (mm *MemoryManager) ReadPage(addr hostarch.Addr, dst []byte) error {
	pte := mm.pt.Lookup(addr)
	if pte == nil || !pte.Valid() {
		return unix.EFAULT
	}
	copy(dst, mm.frames[pte.Frame()].data)
	return nil
}

// WritePage implements memmap.AddressSpace.WritePage.
func (mm *MemoryManager) WritePage(addr hostarch.Addr, src []byte) error {
	v := mm.findLocked(addr)
	if v == nil {
		return unix.EFAULT
	}
	pte := mm.pt.Lookup(addr)
	if pte == nil || !pte.Valid() {
		id, f := mm.newFrameLocked()
		copy(f.data, src)
		mm.pt.Map(addr, id, v.perms.Write)
		return nil
	}
	f := mm.frames[pte.Frame()]
	if v.private && (f.refs.Load() > 1 || f.file) {
		id, nf := mm.newFrameLocked()
		mm.decRefLocked(pte.Frame())
		pte.Set(id, pte.Writable())
		f = nf
	}
	copy(f.data, src)
	return nil
}

// FlushTLB implements memmap.AddressSpace.FlushTLB.
func (mm *MemoryManager) FlushTLB(ar hostarch.AddrRange) {
	mm.pt.Flush(ar)
}

// UnmapRange implements memmap.AddressSpace.UnmapRange.
func (mm *MemoryManager) UnmapRange(ar hostarch.AddrRange) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	mm.removeLocked(ar)
	return nil
}

// MapAnonymous implements memmap.AddressSpace.MapAnonymous.
func (mm *MemoryManager) MapAnonymous(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	if !ar.End.IsPageAligned() {
		return unix.EINVAL
	}
	if len(mm.overlappingLocked(ar)) != 0 {
		return unix.EEXIST
	}
	mm.insertLocked(&vma{
		ar:        ar,
		perms:     perms,
		private:   true,
		anonymous: true,
	})
	return nil
}

// ZapPage implements memmap.AddressSpace.ZapPage.
func (mm *MemoryManager) ZapPage(addr hostarch.Addr) {
	ar := addr.PageRange()
	mm.pt.Unmap(ar, func(_ hostarch.Addr, id uint64) {
		mm.decRefLocked(id)
	})
	mm.pt.Flush(ar)
}

// StackStart implements memmap.AddressSpace.StackStart.
func (mm *MemoryManager) StackStart() hostarch.Addr {
	return mm.stackStart
}

// ProgramBreak implements memmap.AddressSpace.ProgramBreak.
func (mm *MemoryManager) ProgramBreak() hostarch.Addr {
	return mm.brk
}

// SetProgramBreak implements memmap.AddressSpace.SetProgramBreak.
func (mm *MemoryManager) SetProgramBreak(addr hostarch.Addr) error {
	return mm.brkLocked(addr, false)
}
