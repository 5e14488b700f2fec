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

	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping. It is rounded up to a page
	// boundary.
	Length uint64

	// Addr is the suggested address for the mapping. If Fixed is true, it
	// is the exact address.
	Addr hostarch.Addr

	// If Fixed is true, the mapping is created at Addr, replacing any
	// existing mappings unless NoReplace is also true.
	Fixed bool

	// If NoReplace is true, a Fixed mapping fails with EEXIST instead of
	// replacing existing mappings.
	NoReplace bool

	// Perms is the set of permissions to apply to the mapping.
	Perms hostarch.AccessType

	// Private is true if writes to the mapping are not shared.
	Private bool

	// File, if not nil, is the contents of the file backing the mapping,
	// starting at offset 0. Pages past the end of File read as zero. Each
	// file mapping gets its own copy of the file's pages.
	File []byte

	// Precommit is true if the mapping's pages should be populated
	// immediately. File mappings are always populated.
	Precommit bool

	// GrowsDown is true for stack mappings.
	GrowsDown bool

	// Hint is the name of the mapping.
	Hint string
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.AddrRange, error) {
	if opts.Length == 0 {
		return hostarch.AddrRange{}, unix.EINVAL
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return hostarch.AddrRange{}, unix.ENOMEM
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return hostarch.AddrRange{}, unix.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	var ar hostarch.AddrRange
	if opts.Fixed {
		ar, ok = opts.Addr.ToRange(uint64(length))
		if !ok {
			return hostarch.AddrRange{}, unix.ENOMEM
		}
		if len(mm.overlappingLocked(ar)) != 0 {
			if opts.NoReplace {
				return hostarch.AddrRange{}, unix.EEXIST
			}
			mm.unmapLocked(ar)
		}
	} else {
		var err error
		if ar, err = mm.findAvailableLocked(uint64(length)); err != nil {
			return hostarch.AddrRange{}, err
		}
	}

	v := &vma{
		ar:        ar,
		perms:     opts.Perms,
		private:   opts.Private,
		anonymous: opts.File == nil,
		growsDown: opts.GrowsDown,
		hint:      opts.Hint,
	}
	mm.insertLocked(v)
	switch {
	case opts.File != nil:
		mm.populateFileLocked(ar, opts.File, !opts.Private && opts.Perms.Write)
	case opts.Precommit:
		for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
			mm.newPageLocked(addr, v)
		}
	}
	log.Debugf("mmap %v", v)
	return ar, nil
}

// MUnmap implements the semantics of Linux's munmap(2).
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	ar, err := userRange(addr, length)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.unmapLocked(ar)
	return nil
}

// unmapLocked notifies the observer and then removes all mappings in ar.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange) {
	if mm.observer != nil {
		mm.observer.Unmap(ar)
	}
	mm.removeLocked(ar)
}

// MProtect implements the semantics of Linux's mprotect(2).
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	ar, err := userRange(addr, length)
	if err != nil {
		return err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	// The whole range must be mapped.
	cursor := ar.Start
	for _, v := range mm.overlappingLocked(ar) {
		if v.ar.Start > cursor {
			return unix.ENOMEM
		}
		cursor = v.ar.End
	}
	if cursor < ar.End {
		return unix.ENOMEM
	}

	for _, v := range mm.isolateLocked(ar) {
		v.perms = perms
	}
	if !perms.Write {
		mm.pt.Walk(ar, pteVisitor(func(_ hostarch.Addr, pte *pagetables.PTE) {
			pte.SetWriteProtect()
		}))
	}
	mm.pt.Flush(ar)
	return nil
}

// Brk implements the semantics of Linux's brk(2): it returns the resulting
// program break. Passing 0 queries the current break.
func (mm *MemoryManager) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if addr == 0 {
		return mm.brk, nil
	}
	if err := mm.brkLocked(addr, true); err != nil {
		return mm.brk, err
	}
	return mm.brk, nil
}

// brkLocked moves the program break to addr. If notify is true, the observer
// is told about pages released by a shrinking heap.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) brkLocked(addr hostarch.Addr, notify bool) error {
	if mm.brkStart == 0 || addr < mm.brkStart {
		return unix.ENOMEM
	}
	newEnd, ok := addr.RoundUp()
	if !ok {
		return unix.ENOMEM
	}
	oldEnd := mm.brk.MustRoundUp()
	switch {
	case newEnd < oldEnd:
		ar := hostarch.AddrRange{Start: newEnd, End: oldEnd}
		if notify && mm.observer != nil {
			mm.observer.Unmap(ar)
		}
		mm.removeLocked(ar)
	case newEnd > oldEnd:
		ar := hostarch.AddrRange{Start: oldEnd, End: newEnd}
		if len(mm.overlappingLocked(ar)) != 0 {
			return fmt.Errorf("heap growth to %v overlaps a mapping: %w", addr, unix.ENOMEM)
		}
		mm.insertLocked(&vma{
			ar:        ar,
			perms:     hostarch.ReadWrite,
			private:   true,
			anonymous: true,
			hint:      "[heap]",
		})
	}
	mm.brk = addr
	return nil
}

// SetupHeap places the start of the heap at start.
func (mm *MemoryManager) SetupHeap(start hostarch.Addr) error {
	if !start.IsPageAligned() || start == 0 {
		return unix.EINVAL
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.brkStart = start
	mm.brk = start
	return nil
}

// SetupStack creates the initial stack mapping of the given size, ending at
// the top of the address space, and records the initial stack pointer.
func (mm *MemoryManager) SetupStack(size uint64) (hostarch.AddrRange, error) {
	size = uint64(hostarch.Addr(size).MustRoundUp())
	ar, err := mm.MMap(MMapOpts{
		Length:    size,
		Addr:      stackTop - hostarch.Addr(size),
		Fixed:     true,
		NoReplace: true,
		Perms:     hostarch.ReadWrite,
		Private:   true,
		GrowsDown: true,
		Hint:      "[stack]",
	})
	if err != nil {
		return hostarch.AddrRange{}, err
	}
	mm.mu.Lock()
	mm.stackStart = ar.End - hostarch.PageSize
	mm.mu.Unlock()
	return ar, nil
}

// Fork returns a copy of mm. Private pages are shared copy-on-write between
// mm and the copy; shared pages remain shared. The copy has no observer.
func (mm *MemoryManager) Fork() *MemoryManager {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	child := NewMemoryManager()
	child.vmas = cloneVMAs(mm.vmas)
	child.nextFrame = mm.nextFrame
	child.stackStart = mm.stackStart
	child.brkStart = mm.brkStart
	child.brk = mm.brk
	child.mmapBase = mm.mmapBase

	mm.vmas.Ascend(func(v *vma) bool {
		mm.pt.Walk(v.ar, pteVisitor(func(addr hostarch.Addr, pte *pagetables.PTE) {
			if v.private {
				pte.SetWriteProtect()
			}
			f := mm.frames[pte.Frame()]
			f.refs.Add(1)
			child.frames[pte.Frame()] = f
			child.pt.Map(addr, pte.Frame(), pte.Writable())
		}))
		return true
	})
	mm.pt.Flush(hostarch.AddrRange{End: pagetables.MaxAddr()})
	return child
}

// userRange validates and page-rounds a user-supplied address and length.
func userRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if length == 0 {
		return hostarch.AddrRange{}, unix.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return hostarch.AddrRange{}, unix.EINVAL
	}
	if ar, ok = ar.RoundOut(); !ok {
		return hostarch.AddrRange{}, unix.EINVAL
	}
	if err := checkRange(ar); err != nil {
		return hostarch.AddrRange{}, err
	}
	if addr != ar.Start {
		return hostarch.AddrRange{}, unix.EINVAL
	}
	return ar, nil
}
