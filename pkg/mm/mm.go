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

// Package mm provides a software process address space.
//
// A MemoryManager keeps an ordered set of mappings (vmas), four-level page
// tables, and reference-counted page frames. Application accesses go through
// CopyIn and CopyOut, which take page faults the way a hardware MMU would:
// first touch of a private page allocates a frame, and writes to
// write-protected pages either resolve copy-on-write or are resolved by an
// attached memmap.Observer.
//
// Lock order:
//
//	MemoryManager.mu
//	  memmap.Observer (snapshot.TrackedProcess.mu)
package mm

import (
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/pagetables"
	"gvisor.dev/memsnap/pkg/sync"
)

const (
	// defaultMMapBase is where non-fixed mappings are placed bottom-up.
	defaultMMapBase = hostarch.Addr(0x10000000)

	// stackTop is the end of the initial stack mapping.
	stackTop = hostarch.Addr(0x7ffffff00000)

	// btreeDegree is the degree of the vma tree.
	btreeDegree = 8
)

// vma represents a virtual memory area.
type vma struct {
	ar        hostarch.AddrRange
	perms     hostarch.AccessType
	private   bool
	anonymous bool
	growsDown bool
	hint      string
}

func vmaLess(a, b *vma) bool {
	return a.ar.Start < b.ar.Start
}

func (v *vma) info() memmap.VMA {
	return memmap.VMA{
		Range:     v.ar,
		Perms:     v.perms,
		Private:   v.private,
		Anonymous: v.anonymous,
		Hint:      v.hint,
	}
}

// frame is one page of memory. A frame may be shared between MemoryManagers
// after Fork, so refs is atomic.
type frame struct {
	data []byte
	refs atomic.Int32

	// file is true if the frame holds file contents. A private mapping
	// never writes to a file frame.
	file bool
}

// MemoryManager implements a virtual address space.
//
// +stateify savable
type MemoryManager struct {
	// mu serializes all operations on the address space. It is the lock
	// exposed through memmap.AddressSpace.Lock.
	mu sync.Mutex

	// vmas is the set of mappings, ordered by start address.
	//
	// vmas is protected by mu.
	vmas *btree.BTreeG[*vma]

	// pt maps pages to frame numbers.
	//
	// pt is protected by mu.
	pt *pagetables.PageTables

	// frames maps frame numbers used in pt to frames.
	//
	// frames is protected by mu.
	frames    map[uint64]*frame
	nextFrame uint64

	// observer, if not nil, is told about write faults, new pages and
	// unmaps.
	//
	// observer is protected by mu.
	observer memmap.Observer

	// stackStart is the top of the initial stack, or 0 if none was set up.
	stackStart hostarch.Addr

	// brkStart is the start of the heap, or 0 if there is no heap. brk is
	// the current program break.
	brkStart hostarch.Addr
	brk      hostarch.Addr

	// mmapBase is where searches for free space for non-fixed mappings
	// begin.
	mmapBase hostarch.Addr

	// stats counts fault handling outcomes.
	//
	// stats is protected by mu.
	stats Stats
}

// Stats counts how write accesses were resolved.
type Stats struct {
	// NewPages is the number of pages first backed by a write.
	NewPages uint64

	// WriteFaults is the number of writes to write-protected pages.
	WriteFaults uint64

	// Handled is the number of WriteFaults resolved by the observer.
	Handled uint64

	// Copies is the number of WriteFaults resolved by copying the page.
	Copies uint64
}

// NewMemoryManager returns an empty address space.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		vmas:     btree.NewG(btreeDegree, vmaLess),
		pt:       pagetables.New(),
		frames:   make(map[uint64]*frame),
		mmapBase: defaultMMapBase,
	}
}

// SetObserver attaches o to mm. A nil o detaches the current observer.
func (mm *MemoryManager) SetObserver(o memmap.Observer) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.observer = o
}

// newFrameLocked allocates a zeroed frame with one reference.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) newFrameLocked() (uint64, *frame) {
	mm.nextFrame++
	f := &frame{data: make([]byte, hostarch.PageSize)}
	f.refs.Store(1)
	mm.frames[mm.nextFrame] = f
	return mm.nextFrame, f
}

// decRefLocked drops mm's reference on frame id.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) decRefLocked(id uint64) {
	f, ok := mm.frames[id]
	if !ok {
		return
	}
	delete(mm.frames, id)
	f.refs.Add(-1)
}

// pteVisitor adapts a function to pagetables.Visitor for walks that visit
// every valid entry.
type pteVisitor func(addr hostarch.Addr, pte *pagetables.PTE)

// VisitRange implements pagetables.Visitor.VisitRange.
func (pteVisitor) VisitRange(pagetables.Level, hostarch.Addr, hostarch.Addr) pagetables.Action {
	return pagetables.Descend
}

// VisitPTE implements pagetables.Visitor.VisitPTE.
func (fn pteVisitor) VisitPTE(addr hostarch.Addr, pte *pagetables.PTE) error {
	if pte.Valid() {
		fn(addr, pte)
	}
	return nil
}
