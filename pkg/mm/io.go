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

// CopyIn copies len(dst) bytes from the address space starting at addr into
// dst. Pages that have never been written read as zero. It returns the number
// of bytes copied.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	done := 0
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		v := mm.findLocked(cur)
		if v == nil || !v.perms.Read {
			return done, unix.EFAULT
		}
		page := cur.RoundDown()
		n := min(len(dst)-done, int(page+hostarch.PageSize-cur))
		if pte := mm.pt.Lookup(page); pte != nil && pte.Valid() {
			off := cur.PageOffset()
			copy(dst[done:done+n], mm.frames[pte.Frame()].data[off:])
		} else {
			clear(dst[done : done+n])
		}
		done += n
	}
	return done, nil
}

// CopyOut copies src into the address space starting at addr, taking write
// faults as required. It returns the number of bytes copied.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	done := 0
	for done < len(src) {
		cur := addr + hostarch.Addr(done)
		v := mm.findLocked(cur)
		if v == nil || !v.perms.Write {
			return done, unix.EFAULT
		}
		page := cur.RoundDown()
		n := min(len(src)-done, int(page+hostarch.PageSize-cur))
		f := mm.writeFaultLocked(page, v)
		copy(f.data[cur.PageOffset():], src[done:done+n])
		done += n
	}
	return done, nil
}

// writeFaultLocked returns a frame that the page at addr may be written
// through, resolving missing and write-protected entries.
//
// Preconditions: mm.mu must be locked. addr is page-aligned and lies in v.
// v permits writes.
func (mm *MemoryManager) writeFaultLocked(addr hostarch.Addr, v *vma) *frame {
	pte := mm.pt.Lookup(addr)
	if pte == nil || !pte.Valid() {
		mm.stats.NewPages++
		return mm.newPageLocked(addr, v)
	}
	f := mm.frames[pte.Frame()]
	if pte.Writable() {
		return f
	}

	mm.stats.WriteFaults++
	result := memmap.FaultDefault
	if v.private && mm.observer != nil {
		result = mm.observer.WriteFault(addr)
	}
	exclusive := !v.private || (f.refs.Load() == 1 && !f.file)
	switch {
	case exclusive && result == memmap.FaultHandled:
		mm.stats.Handled++
		pte.MakeWritable()
	case exclusive:
		// Reuse the page; nothing else maps it.
		pte.MakeWritable()
	default:
		mm.stats.Copies++
		id, nf := mm.newFrameLocked()
		copy(nf.data, f.data)
		mm.decRefLocked(pte.Frame())
		pte.Set(id, true)
		f = nf
	}
	mm.pt.Flush(addr.PageRange())
	return f
}

// newPageLocked backs the page at addr with a zeroed frame. The observer is
// told about new pages in private mappings.
//
// Preconditions: mm.mu must be locked. addr is page-aligned and lies in v.
func (mm *MemoryManager) newPageLocked(addr hostarch.Addr, v *vma) *frame {
	id, f := mm.newFrameLocked()
	mm.pt.Map(addr, id, v.perms.Write)
	if v.private && mm.observer != nil {
		mm.observer.NewMapping(addr)
	}
	return f
}

// populateFileLocked backs every page in ar with file contents. Private file
// pages are mapped read-only so that the first write copies them.
//
// Preconditions: mm.mu must be locked. ar is page-aligned.
func (mm *MemoryManager) populateFileLocked(ar hostarch.AddrRange, contents []byte, writable bool) {
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		id, f := mm.newFrameLocked()
		f.file = true
		if off := uint64(addr - ar.Start); off < uint64(len(contents)) {
			copy(f.data, contents[off:])
		}
		mm.pt.Map(addr, id, writable)
	}
}

// Stats returns fault handling counts.
func (mm *MemoryManager) Stats() Stats {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.stats
}

// Mappings returns all mappings in ascending address order.
func (mm *MemoryManager) Mappings() []memmap.VMA {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mappingsLocked()
}

// PTE returns a copy of the page table entry for addr. ok is false if addr is
// not backed by a frame.
func (mm *MemoryManager) PTE(addr hostarch.Addr) (pte pagetables.PTE, ok bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	p := mm.pt.Lookup(addr.RoundDown())
	if p == nil || !p.Valid() {
		return pagetables.PTE{}, false
	}
	return *p, true
}

// FlushCount returns the number of TLB flushes performed so far.
func (mm *MemoryManager) FlushCount() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.FlushCount()
}
