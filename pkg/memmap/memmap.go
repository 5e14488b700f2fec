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

// Package memmap defines the interfaces between an address space and the
// code that tracks and restores it.
//
// An address space (see package mm) owns mappings, page tables and page
// frames. The snapshot core sees it only through AddressSpace, and the
// address space reports faults and unmaps to the core through Observer.
//
// Lock order:
//
//	AddressSpace lock
//	  snapshot.TrackedProcess.mu
//
// An Observer is always invoked with the AddressSpace lock held, and the
// snapshot core always takes the AddressSpace lock before its own.
package memmap

import (
	"fmt"

	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// VMA describes one mapping of an address space.
type VMA struct {
	// Range is the page-aligned extent of the mapping.
	Range hostarch.AddrRange

	// Perms is the set of permissions applied to the mapping.
	Perms hostarch.AccessType

	// Private is true if writes to the mapping are not visible to other
	// mappings of the same object.
	Private bool

	// Anonymous is true if the mapping is not backed by a file.
	Anonymous bool

	// Hint is the name shown for the mapping, such as "[heap]".
	Hint string
}

// IsAnonymousPrivate returns true if the mapping can be recreated from
// nothing: it is anonymous and not shared.
func (v VMA) IsAnonymousPrivate() bool {
	return v.Anonymous && v.Private
}

// String implements fmt.Stringer.String.
func (v VMA) String() string {
	kind := "shared"
	if v.Private {
		kind = "private"
	}
	backing := "file"
	if v.Anonymous {
		backing = "anon"
	}
	return fmt.Sprintf("%v %v %s %s %s", v.Range, v.Perms, kind, backing, v.Hint)
}

// AddressSpace is the view of a process address space used by the snapshot
// core.
//
// All methods other than Lock and Unlock require that the caller holds the
// lock, and none of them report events to the address space's Observer.
type AddressSpace interface {
	// Lock acquires exclusive access to the mapping table and page tables.
	Lock()

	// Unlock releases the lock taken by Lock.
	Unlock()

	// VMAs returns all mappings in ascending address order.
	VMAs() []VMA

	// Walk walks the page tables over ar.
	Walk(ar hostarch.AddrRange, v pagetables.Visitor) error

	// LookupPTE returns the leaf entry for addr, or nil if no leaf table
	// covers addr.
	LookupPTE(addr hostarch.Addr) *pagetables.PTE

	// ReadPage copies the contents of the page at addr into dst.
	//
	// Preconditions: addr is page-aligned. len(dst) == hostarch.PageSize.
	ReadPage(addr hostarch.Addr, dst []byte) error

	// WritePage replaces the contents of the page at addr with src,
	// allocating a private frame for it if required. The page must lie
	// within a mapping.
	//
	// Preconditions: addr is page-aligned. len(src) == hostarch.PageSize.
	WritePage(addr hostarch.Addr, src []byte) error

	// FlushTLB invalidates cached translations for ar.
	FlushTLB(ar hostarch.AddrRange)

	// UnmapRange removes all mappings in ar.
	UnmapRange(ar hostarch.AddrRange) error

	// MapAnonymous creates an anonymous private mapping exactly at ar. It
	// fails if any part of ar is already mapped.
	MapAnonymous(ar hostarch.AddrRange, perms hostarch.AccessType) error

	// ZapPage removes the page table entry for addr and releases its frame,
	// leaving the mapping in place.
	ZapPage(addr hostarch.Addr)

	// StackStart returns the recorded top of the initial stack.
	StackStart() hostarch.Addr

	// ProgramBreak returns the current program break, or 0 if there is no
	// heap.
	ProgramBreak() hostarch.Addr

	// SetProgramBreak moves the program break to addr, mapping or unmapping
	// heap pages as required.
	SetProgramBreak(addr hostarch.Addr) error
}

// FaultResult tells an address space how to continue after reporting a
// write fault.
type FaultResult int

const (
	// FaultDefault means the address space should apply its ordinary
	// copy-on-write handling.
	FaultDefault FaultResult = iota

	// FaultHandled means the observer owns the page's write protection; the
	// address space should make the existing entry writable and skip
	// copy-on-write.
	FaultHandled
)

// String implements fmt.Stringer.String.
func (r FaultResult) String() string {
	if r == FaultHandled {
		return "handled"
	}
	return "default"
}

// Observer receives memory events from an address space before the address
// space acts on them. Observer methods are called with the AddressSpace lock
// held.
type Observer interface {
	// WriteFault is called when a write hits a present, write-protected
	// page in a writable private mapping.
	WriteFault(addr hostarch.Addr) FaultResult

	// NewMapping is called after a page in a private mapping is first
	// backed by a frame.
	NewMapping(addr hostarch.Addr)

	// Unmap is called before the pages in ar are unmapped.
	Unmap(ar hostarch.AddrRange)
}
