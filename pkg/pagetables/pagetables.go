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

package pagetables

import (
	"fmt"

	"gvisor.dev/memsnap/pkg/hostarch"
)

// dir is a non-leaf table. At LevelPGD and LevelPUD only sub is used; at
// LevelPMD only ptes is used.
type dir struct {
	sub  [entriesPerPage]*dir
	ptes [entriesPerPage]*PTEs
}

// PageTables is a set of page tables.
//
// PageTables is not safe for concurrent use; the owner serializes access.
type PageTables struct {
	// root is the pagetable root.
	root *dir

	// tables is the number of allocated tables below root.
	tables int

	// flushes counts TLB flush requests.
	flushes uint64
}

// New returns new PageTables.
func New() *PageTables {
	return &PageTables{root: &dir{}}
}

// Action is returned by a Visitor to steer a walk.
type Action int

const (
	// Descend explores the children of a range, or visits it if it is a leaf.
	Descend Action = iota

	// Skip prunes a range from the walk.
	Skip
)

// Visitor is called during Walk.
type Visitor interface {
	// VisitRange is called for every populated entry at each level before
	// its children are explored. [start, end) is the part of the entry that
	// lies within the walked range. Ranges are presented in ascending order.
	VisitRange(level Level, start, end hostarch.Addr) Action

	// VisitPTE is called for each leaf entry in a populated leaf table,
	// whether or not the entry is valid, after VisitRange returned Descend
	// for it. A non-nil error stops the walk.
	VisitPTE(addr hostarch.Addr, pte *PTE) error
}

func checkRange(ar hostarch.AddrRange) hostarch.AddrRange {
	if !ar.WellFormed() || !ar.IsPageAligned() {
		panic(fmt.Sprintf("invalid ar: %v", ar))
	}
	if ar.End > maxAddr {
		ar.End = maxAddr
	}
	if ar.Start > ar.End {
		ar.Start = ar.End
	}
	return ar
}

// Walk walks all populated page tables intersecting ar.
//
// Precondition: ar is page-aligned.
func (p *PageTables) Walk(ar hostarch.AddrRange, v Visitor) error {
	ar = checkRange(ar)
	return p.walkDir(p.root, LevelPGD, ar.Start, ar.End, v)
}

func (p *PageTables) walkDir(d *dir, l Level, start, end hostarch.Addr, v Visitor) error {
	for start < end {
		next := addrEnd(start, end, l)
		i := index(start, l)
		if l == LevelPMD {
			if ptes := d.ptes[i]; ptes != nil && v.VisitRange(l, start, next) == Descend {
				if err := walkPTEs(ptes, start, next, v); err != nil {
					return err
				}
			}
		} else if sub := d.sub[i]; sub != nil && v.VisitRange(l, start, next) == Descend {
			if err := p.walkDir(sub, l+1, start, next, v); err != nil {
				return err
			}
		}
		start = next
	}
	return nil
}

func walkPTEs(ptes *PTEs, start, end hostarch.Addr, v Visitor) error {
	for ; start < end; start += pteSize {
		if v.VisitRange(LevelPTE, start, start+pteSize) == Skip {
			continue
		}
		if err := v.VisitPTE(start, &ptes[index(start, LevelPTE)]); err != nil {
			return err
		}
	}
	return nil
}

// Map maps the page at addr to frame, allocating intermediate tables as
// required, and returns the entry.
//
// Precondition: addr is page-aligned and below MaxAddr().
func (p *PageTables) Map(addr hostarch.Addr, frame uint64, writable bool) *PTE {
	if !addr.IsPageAligned() || addr >= maxAddr {
		panic(fmt.Sprintf("invalid addr: %v", addr))
	}
	d := p.root
	for l := LevelPGD; l < LevelPMD; l++ {
		i := index(addr, l)
		if d.sub[i] == nil {
			d.sub[i] = &dir{}
			p.tables++
		}
		d = d.sub[i]
	}
	i := index(addr, LevelPMD)
	if d.ptes[i] == nil {
		d.ptes[i] = &PTEs{}
		p.tables++
	}
	pte := &d.ptes[i][index(addr, LevelPTE)]
	pte.Set(frame, writable)
	return pte
}

// Lookup returns the entry for addr if a leaf table covering addr exists; the
// returned entry may be invalid. It returns nil if no leaf table exists.
func (p *PageTables) Lookup(addr hostarch.Addr) *PTE {
	if addr >= maxAddr {
		return nil
	}
	d := p.root
	for l := LevelPGD; l < LevelPMD; l++ {
		d = d.sub[index(addr, l)]
		if d == nil {
			return nil
		}
	}
	ptes := d.ptes[index(addr, LevelPMD)]
	if ptes == nil {
		return nil
	}
	return &ptes[index(addr, LevelPTE)]
}

// Unmap clears all valid entries in ar, calling fn (if not nil) with the
// address and frame of each, and frees tables that become empty.
//
// Precondition: ar is page-aligned.
func (p *PageTables) Unmap(ar hostarch.AddrRange, fn func(addr hostarch.Addr, frame uint64)) {
	ar = checkRange(ar)
	p.unmapDir(p.root, LevelPGD, ar.Start, ar.End, fn)
}

// unmapDir returns true if d has no children left.
func (p *PageTables) unmapDir(d *dir, l Level, start, end hostarch.Addr, fn func(hostarch.Addr, uint64)) bool {
	for start < end {
		next := addrEnd(start, end, l)
		i := index(start, l)
		if l == LevelPMD {
			if ptes := d.ptes[i]; ptes != nil && unmapPTEs(ptes, start, next, fn) {
				d.ptes[i] = nil
				p.tables--
			}
		} else if sub := d.sub[i]; sub != nil && p.unmapDir(sub, l+1, start, next, fn) {
			d.sub[i] = nil
			p.tables--
		}
		start = next
	}
	for i := range d.sub {
		if d.sub[i] != nil || d.ptes[i] != nil {
			return false
		}
	}
	return true
}

// unmapPTEs returns true if ptes has no valid entries left.
func unmapPTEs(ptes *PTEs, start, end hostarch.Addr, fn func(hostarch.Addr, uint64)) bool {
	for ; start < end; start += pteSize {
		pte := &ptes[index(start, LevelPTE)]
		if !pte.Valid() {
			continue
		}
		if fn != nil {
			fn(start, pte.Frame())
		}
		pte.Clear()
	}
	for i := range ptes {
		if ptes[i].Valid() {
			return false
		}
	}
	return true
}

// Flush records a TLB flush for ar. The software MMU consults page tables on
// every access, so there is nothing to invalidate; the count is kept so that
// callers can verify that protection changes were flushed.
func (p *PageTables) Flush(ar hostarch.AddrRange) {
	p.flushes++
}

// FlushCount returns the number of Flush calls so far.
func (p *PageTables) FlushCount() uint64 {
	return p.flushes
}

// Tables returns the number of tables allocated below the root.
func (p *PageTables) Tables() int {
	return p.tables
}
