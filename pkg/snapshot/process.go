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
	"gvisor.dev/memsnap/pkg/sync"
)

// TrackedProcess is the snapshot state of one process.
//
// Lock order:
//
//	memmap.AddressSpace lock
//	  TrackedProcess.mu
type TrackedProcess struct {
	pid PID

	// as is the process's address space. It is immutable.
	as memmap.AddressSpace

	// metrics and warn are shared with the owning Manager.
	metrics *metrics
	warn    log.Logger

	mu sync.Mutex

	// allow and block are the user-specified range lists.
	//
	// allow and block are protected by mu.
	allow rangeList
	block rangeList

	// config is the configuration of the current snapshot.
	//
	// config is protected by mu.
	config Config

	// haveSnapshot is true between a successful capture and the next clear.
	//
	// haveSnapshot is protected by mu.
	haveSnapshot bool

	// released is set once the process is untracked. Events for a released
	// process are ignored.
	//
	// released is protected by mu.
	released bool

	// vmas, pages and dirty are the snapshot state. dirty holds slots in
	// pages, in the order the pages diverged.
	//
	// vmas, pages and dirty are protected by mu.
	vmas  vmaStore
	pages pageStore
	dirty []int

	// brk is the program break at capture time.
	//
	// brk is protected by mu.
	brk hostarch.Addr

	// buffers provides saved page contents.
	//
	// buffers is protected by mu.
	buffers *bufferPool

	// stats is protected by mu.
	stats Stats
}

// Stats describes a tracked process's snapshot state.
type Stats struct {
	// Pages is the number of page records in the current snapshot.
	Pages int

	// DirtyPages is the number of queued dirty pages.
	DirtyPages int

	// SavedPages is the number of records holding saved contents.
	SavedPages int

	// VMAs and SnapshottedVMAs are the number of mappings recorded and
	// tracked by the current snapshot.
	VMAs            int
	SnapshottedVMAs int

	// Captures and Restores count successful operations.
	Captures uint64
	Restores uint64

	// Warnings counts dirty list bookkeeping inconsistencies.
	Warnings uint64
}

// PID returns the process's identity.
func (p *TrackedProcess) PID() PID {
	return p.pid
}

// AddressSpace returns the process's address space.
func (p *TrackedProcess) AddressSpace() memmap.AddressSpace {
	return p.as
}

// Stats returns a summary of the process's snapshot state.
func (p *TrackedProcess) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pages = p.pages.live
	s.DirtyPages = len(p.dirty)
	s.SavedPages = p.pages.savedPages()
	s.VMAs = len(p.vmas.all)
	s.SnapshottedVMAs = len(p.vmas.snapshotted)
	return s
}

// HasSnapshot returns true if the process has a snapshot to restore.
func (p *TrackedProcess) HasSnapshot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haveSnapshot
}

// Config returns the configuration of the current snapshot.
func (p *TrackedProcess) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SnapshottedRanges returns the ranges of the mappings tracked by the
// current snapshot.
func (p *TrackedProcess) SnapshottedRanges() []hostarch.AddrRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vmas.snapshottedRanges()
}

// ExcludedRanges returns the blocklist.
func (p *TrackedProcess) ExcludedRanges() []hostarch.AddrRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hostarch.AddrRange(nil), p.block...)
}

func (p *TrackedProcess) includeRange(ar hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow = append(p.allow, ar)
}

func (p *TrackedProcess) excludeRange(ar hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = append(p.block, ar)
}

// warnLocked reports a dirty list bookkeeping inconsistency.
//
// Preconditions: p.mu must be locked.
func (p *TrackedProcess) warnLocked(format string, v ...any) {
	p.stats.Warnings++
	p.metrics.warnings.Inc()
	p.warn.Warningf("pid %d: "+format, append([]any{p.pid}, v...)...)
}

// enqueueLocked appends the record in slot i to the dirty list.
//
// Preconditions: p.mu must be locked.
func (p *TrackedProcess) enqueueLocked(i int) {
	r := p.pages.at(i)
	if r.inDirtyList {
		p.warnLocked("page %v already in dirty list (dirty: %t, copied: %t)", r.base, r.dirty, r.copied)
		return
	}
	r.inDirtyList = true
	p.dirty = append(p.dirty, i)
}

// clearLocked drops all snapshot state and releases saved buffers.
//
// Preconditions: p.mu must be locked.
func (p *TrackedProcess) clearLocked() {
	p.haveSnapshot = false
	p.vmas = vmaStore{}
	p.pages.reset()
	p.dirty = nil
	p.brk = 0
	if err := p.buffers.release(); err != nil {
		log.Warningf("pid %d: releasing saved pages: %v", p.pid, err)
	}
}
