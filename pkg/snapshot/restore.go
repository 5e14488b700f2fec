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
	"errors"

	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
)

// unbounded is the boundary of an exhausted mapping sequence.
const unbounded = ^hostarch.Addr(0)

// restoreLocked returns the address space to the captured state.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) restoreLocked() error {
	if !p.haveSnapshot {
		return ErrNoSnapshot
	}

	if p.config&NoBrk == 0 && p.brk != 0 {
		if err := p.restoreBrkLocked(); err != nil {
			return err
		}
	}

	var unrecoverable []*RangeError
	if p.config&MMap != 0 {
		var err error
		if unrecoverable, err = p.restoreVMAsLocked(); err != nil {
			return err
		}
	}

	var errs []error
	for _, e := range unrecoverable {
		errs = append(errs, e)
	}
	drained := len(p.dirty)
	if err := p.drainLocked(unrecoverable); err != nil {
		return errors.Join(append(errs, err)...)
	}
	p.metrics.dirtyPages.Observe(float64(drained))
	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	p.stats.Restores++
	log.Debugf("pid %d: restored %d dirty pages", p.pid, drained)
	return nil
}

// restoreBrkLocked moves the program break back to its captured value.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) restoreBrkLocked() error {
	cur := p.as.ProgramBreak()
	if cur == p.brk {
		return nil
	}
	if err := p.as.SetProgramBreak(p.brk); err != nil {
		ar := hostarch.AddrRange{Start: cur, End: p.brk}
		if p.brk < cur {
			ar = hostarch.AddrRange{Start: p.brk, End: cur}
		}
		return mappingError("restore brk", ar, err)
	}
	log.Debugf("pid %d: program break %v -> %v", p.pid, cur, p.brk)
	return nil
}

// restoreVMAsLocked reconciles the current mappings with the captured ones in
// a single ascending sweep over both boundary sequences. Ranges mapped now
// but not at capture time are unmapped; captured anonymous private ranges
// that have vanished are recreated. Vanished ranges of any other kind are
// returned and the sweep continues. A
// failed unmap or map stops the sweep and is returned as err.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) restoreVMAsLocked() (unrecoverable []*RangeError, err error) {
	cur := p.as.VMAs()
	rec := p.vmas.all

	var (
		cursor     hostarch.Addr
		inCur      bool
		inRec      bool
		ci, ri     int
		nextCurPos hostarch.Addr
		nextRecPos hostarch.Addr
	)
	for ci < len(cur) || ri < len(rec) {
		nextCurPos = unbounded
		if ci < len(cur) {
			nextCurPos = cur[ci].Range.Start
			if inCur {
				nextCurPos = cur[ci].Range.End
			}
		}
		nextRecPos = unbounded
		if ri < len(rec) {
			nextRecPos = rec[ri].ar.Start
			if inRec {
				nextRecPos = rec[ri].ar.End
			}
		}
		next := min(nextCurPos, nextRecPos)

		// inCur and inRec hold for [cursor, next).
		if next != cursor {
			ar := hostarch.AddrRange{Start: cursor, End: next}
			switch {
			case inCur && !inRec:
				log.Debugf("pid %d: unmapping %v", p.pid, ar)
				if err := p.as.UnmapRange(ar); err != nil {
					return unrecoverable, mappingError("unmap", ar, err)
				}
				p.metrics.rangesUnmapped.Inc()
			case !inCur && inRec && rec[ri].anonPrivate:
				log.Debugf("pid %d: remapping %v %v", p.pid, ar, rec[ri].perms)
				if err := p.as.MapAnonymous(ar, rec[ri].perms); err != nil {
					return unrecoverable, mappingError("map", ar, err)
				}
				p.metrics.rangesRemapped.Inc()
			case !inCur && inRec:
				log.Warningf("pid %d: missing memory %v", p.pid, ar)
				p.metrics.unrecoverable.Inc()
				unrecoverable = append(unrecoverable, &RangeError{
					Op:    "restore mapping",
					Range: ar,
					Err:   ErrUnrecoverableMapping,
				})
			}
		}

		if next == nextCurPos {
			inCur = !inCur
			if !inCur {
				ci++
			}
		}
		if next == nextRecPos {
			inRec = !inRec
			if !inRec {
				ri++
			}
		}
		cursor = next
	}
	return unrecoverable, nil
}

// drainLocked undoes the divergence of every queued page. Saved contents of
// pages inside lost ranges are discarded. If writing a page back fails, that
// page and the ones after it stay queued and the error is returned.
//
// Preconditions: The address space lock and p.mu must be locked.
func (p *TrackedProcess) drainLocked(lost []*RangeError) error {
	for k, i := range p.dirty {
		r := p.pages.at(i)
		if !r.inDirtyList {
			p.warnLocked("page %v queued without dirty list flag", r.base)
		}
		switch {
		case r.dirty && r.copied && inRanges(lost, r.base):
			log.Debugf("pid %d: dropping saved page %v in lost range", p.pid, r.base)
		case r.dirty && r.copied:
			if err := p.as.WritePage(r.base, r.saved); err != nil {
				p.dirty = append(p.dirty[:0], p.dirty[k:]...)
				return mappingError("restore page", r.base.PageRange(), err)
			}
			r.hasHadPTE = true
			if pte := p.as.LookupPTE(r.base); pte != nil && pte.Valid() {
				pte.SetWriteProtect()
				p.as.FlushTLB(r.base.PageRange())
				r.kind = kindPrivateWritable
			}
			p.metrics.pagesRestored.Inc()
		case r.kind == kindPrivateWritable:
			// Queued but never written; still protected.
		case r.kind == kindNoPTE && r.hasHadPTE:
			p.as.ZapPage(r.base)
			r.hasHadPTE = false
			p.metrics.pagesZapped.Inc()
		}
		r.dirty = false
		r.inDirtyList = false
	}
	p.dirty = p.dirty[:0]
	return nil
}

// inRanges returns true if addr lies in the range of any of errs.
func inRanges(errs []*RangeError, addr hostarch.Addr) bool {
	for _, e := range errs {
		if e.Range.Contains(addr) {
			return true
		}
	}
	return false
}
