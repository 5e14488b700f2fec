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
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// recordDirtyLocked saves the contents of the page in slot i, if not already
// saved, and queues it. It returns false if the page was already dirty, has
// no contents to save, or could not be saved; in the last case the page is
// left untouched.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) recordDirtyLocked(i int) bool {
	r := p.pages.at(i)
	if r.dirty || r.kind == kindNoPTE {
		return false
	}
	if !r.copied {
		if r.saved == nil {
			buf, err := p.buffers.alloc()
			if err != nil {
				log.Warningf("pid %d: saving page %v: %v", p.pid, r.base, err)
				return false
			}
			r.saved = buf
		}
		if err := p.as.ReadPage(r.base, r.saved); err != nil {
			log.Warningf("pid %d: reading page %v: %v", p.pid, r.base, err)
			return false
		}
		r.copied = true
	}
	r.dirty = true
	log.Debugf("pid %d: dirty %v", p.pid, r)
	p.enqueueLocked(i)
	return true
}

// writeFault handles a write to the write-protected page at addr.
//
// Preconditions: The address space lock must be locked. addr is
// page-aligned.
func (p *TrackedProcess) writeFault(addr hostarch.Addr) memmap.FaultResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSnapshot || p.released {
		return memmap.FaultDefault
	}
	i, ok := p.pages.get(addr)
	if !ok || !p.recordDirtyLocked(i) {
		return memmap.FaultDefault
	}
	// Copy-on-write pages are left to the address space.
	if p.pages.at(i).kind != kindPrivateWritable {
		return memmap.FaultDefault
	}
	return memmap.FaultHandled
}

// newMapping handles the first backing of the page at addr.
//
// Preconditions: The address space lock must be locked. addr is
// page-aligned.
func (p *TrackedProcess) newMapping(addr hostarch.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSnapshot || p.released {
		return
	}
	i, ok := p.pages.get(addr)
	if !ok {
		if !p.vmas.contains(addr) {
			return
		}
		log.Debugf("pid %d: tracking new page %v", p.pid, addr)
		i = p.pages.add(addr, kindNoPTE)
	}
	r := p.pages.at(i)
	r.hasHadPTE = true
	if r.kind != kindNoPTE {
		return
	}
	switch {
	case r.dirty:
		// Mapped again after an unmap; already queued.
	case r.inDirtyList:
		p.warnLocked("page %v in dirty list but not dirty", r.base)
	default:
		r.dirty = true
		p.enqueueLocked(i)
	}
}

// unmapVisitor records every present page in a range that is about to be
// unmapped.
type unmapVisitor struct {
	p *TrackedProcess
}

// VisitRange implements pagetables.Visitor.VisitRange.
func (unmapVisitor) VisitRange(pagetables.Level, hostarch.Addr, hostarch.Addr) pagetables.Action {
	return pagetables.Descend
}

// VisitPTE implements pagetables.Visitor.VisitPTE.
func (u unmapVisitor) VisitPTE(addr hostarch.Addr, pte *pagetables.PTE) error {
	if !pte.Valid() {
		return nil
	}
	if i, ok := u.p.pages.get(addr); ok {
		u.p.recordDirtyLocked(i)
	}
	return nil
}

// unmap handles an imminent unmap of ar.
//
// Preconditions: The address space lock must be locked. ar is page-aligned.
func (p *TrackedProcess) unmap(ar hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSnapshot || p.released || p.pages.live == 0 {
		return
	}
	if err := p.as.Walk(ar, unmapVisitor{p}); err != nil {
		log.Warningf("pid %d: walking unmapped range %v: %v", p.pid, ar, err)
	}
}
