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
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/memmap"
	"gvisor.dev/memsnap/pkg/pagetables"
)

// isStack returns true if v is the stack mapping. The test is inclusive at
// both ends, so a mapping that ends exactly at the recorded stack start also
// counts.
func isStack(v memmap.VMA, stackStart hostarch.Addr) bool {
	return v.Range.Start <= stackStart && v.Range.End >= stackStart
}

// selectLocked returns true if v's pages should be tracked.
//
// Preconditions: p.mu must be locked.
func (p *TrackedProcess) selectLocked(v memmap.VMA, stackStart hostarch.Addr) bool {
	if _, ok := p.allow.intersecting(v.Range.Start, v.Range.End); ok {
		return true
	}
	switch {
	case !v.Perms.Write:
		// By default, only writable mappings are tracked.
		return false
	case !v.Private:
		return false
	case p.config&Block != 0:
		return false
	case p.config&NoStack != 0 && isStack(v, stackStart):
		return false
	}
	return true
}

// captureVisitor records pages during a capture walk.
type captureVisitor struct {
	*rangeClassifier
	p *TrackedProcess
}

// VisitPTE implements pagetables.Visitor.VisitPTE.
func (c *captureVisitor) VisitPTE(addr hostarch.Addr, pte *pagetables.PTE) error {
	p := c.p
	switch {
	case !pte.Valid():
		p.pages.add(addr, kindNoPTE)
	case pte.Writable():
		pte.SetWriteProtect()
		p.as.FlushTLB(addr.PageRange())
		p.pages.add(addr, kindPrivateWritable)
	default:
		p.pages.add(addr, kindCOW)
	}
	return nil
}

// captureLocked replaces the snapshot state with the current contents of the
// address space.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) captureLocked(config Config) error {
	// Records queued by the previous generation are no longer dirty.
	for _, i := range p.dirty {
		r := p.pages.at(i)
		r.dirty = false
		r.inDirtyList = false
	}
	p.dirty = p.dirty[:0]
	p.pages.nextGeneration()
	p.vmas.reset()
	p.config = config
	p.haveSnapshot = false

	p.brk = p.as.ProgramBreak()
	stackStart := p.as.StackStart()
	v := &captureVisitor{
		rangeClassifier: newRangeClassifier(p.allow, p.block, config),
		p:               p,
	}
	for _, vma := range p.as.VMAs() {
		i := p.vmas.add(vma)
		if !p.selectLocked(vma, stackStart) {
			continue
		}
		p.vmas.track(i)
		log.Debugf("pid %d: snapshotting %v", p.pid, vma)
		if err := p.as.Walk(vma.Range, v); err != nil {
			return fmt.Errorf("walking %v: %w", vma.Range, err)
		}
	}

	p.haveSnapshot = true
	p.stats.Captures++
	p.metrics.captures.Inc()
	log.Infof("pid %d: snapshot taken (config %v): %d mappings, %d tracked, %d pages", p.pid, config, len(p.vmas.all), len(p.vmas.snapshotted), p.pages.live)
	return nil
}
