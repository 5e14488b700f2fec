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

package snapshot

import (
	"fmt"

	"gvisor.dev/memsnap/pkg/hostarch"
)

// pageKind is how a page looked when it was captured.
type pageKind uint8

const (
	// kindNoPTE pages had no page table entry.
	kindNoPTE pageKind = iota

	// kindCOW pages were present and read-only. Their protection belongs
	// to the address space's own copy-on-write handling.
	kindCOW

	// kindPrivateWritable pages were present and writable, and have been
	// write-protected so that the first write is observed.
	kindPrivateWritable
)

// String implements fmt.Stringer.String.
func (k pageKind) String() string {
	switch k {
	case kindNoPTE:
		return "none"
	case kindCOW:
		return "cow"
	case kindPrivateWritable:
		return "private"
	default:
		return fmt.Sprintf("pageKind(%d)", uint8(k))
	}
}

// pageRecord is the divergence state of one page.
type pageRecord struct {
	base hostarch.Addr

	// saved holds the page's contents at capture time once copied is
	// true. It is allocated on first divergence and kept for reuse by
	// later captures.
	saved  []byte
	copied bool

	kind      pageKind
	hasHadPTE bool

	// dirty is true if the page has diverged since the last capture or
	// restore. inDirtyList is true while the record is queued in
	// TrackedProcess.dirty.
	dirty       bool
	inDirtyList bool

	// gen is the capture generation that last visited the record.
	gen uint64
}

// String implements fmt.Stringer.String.
func (r *pageRecord) String() string {
	return fmt.Sprintf("%v %v (dirty: %t, queued: %t, copied: %t, had pte: %t)", r.base, r.kind, r.dirty, r.inDirtyList, r.copied, r.hasHadPTE)
}

// pageStore holds page records in a slot arena, indexed by page address. The
// dirty list refers to records by slot. Slots are never freed individually;
// a record from an older generation is invisible to get but keeps its slot
// and saved buffer for reuse when a later capture revisits the address.
type pageStore struct {
	slots []pageRecord
	index map[hostarch.Addr]int
	gen   uint64

	// live is the number of records in the current generation.
	live int
}

// nextGeneration hides every existing record.
func (s *pageStore) nextGeneration() {
	s.gen++
	s.live = 0
}

// get returns the slot of the current-generation record for addr.
func (s *pageStore) get(addr hostarch.Addr) (int, bool) {
	i, ok := s.index[addr]
	if !ok || s.slots[i].gen != s.gen {
		return 0, false
	}
	return i, true
}

// at returns the record in slot i.
func (s *pageStore) at(i int) *pageRecord {
	return &s.slots[i]
}

// add returns the slot of a current-generation record for addr with kind
// and transient flags reset. The record's saved buffer is kept if the
// address was recorded before.
func (s *pageStore) add(addr hostarch.Addr, kind pageKind) int {
	if s.index == nil {
		s.index = make(map[hostarch.Addr]int)
	}
	i, ok := s.index[addr]
	if !ok {
		i = len(s.slots)
		s.slots = append(s.slots, pageRecord{base: addr})
		s.index[addr] = i
	}
	r := &s.slots[i]
	if !ok || r.gen != s.gen {
		s.live++
	}
	r.gen = s.gen
	r.kind = kind
	r.hasHadPTE = kind != kindNoPTE
	r.copied = false
	r.dirty = false
	r.inDirtyList = false
	return i
}

// savedPages returns the number of records holding a saved buffer.
func (s *pageStore) savedPages() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].saved != nil {
			n++
		}
	}
	return n
}

// reset drops all records.
func (s *pageStore) reset() {
	*s = pageStore{gen: s.gen + 1}
}
