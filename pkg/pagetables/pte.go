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

import "fmt"

const (
	optPresent uint8 = 1 << iota
	optWritable
)

// PTE is a leaf page table entry.
type PTE struct {
	frame uint64
	opts  uint8
}

// PTEs is a leaf page table.
type PTEs [entriesPerPage]PTE

// Valid returns true iff the entry maps a frame.
func (p *PTE) Valid() bool {
	return p.opts&optPresent != 0
}

// Writable returns true iff the entry permits writes.
//
// Precondition: p.Valid().
func (p *PTE) Writable() bool {
	return p.opts&optWritable != 0
}

// Frame returns the frame number mapped by the entry.
//
// Precondition: p.Valid().
func (p *PTE) Frame() uint64 {
	return p.frame
}

// Set points the entry at frame.
func (p *PTE) Set(frame uint64, writable bool) {
	p.frame = frame
	p.opts = optPresent
	if writable {
		p.opts |= optWritable
	}
}

// Clear clears the entry.
func (p *PTE) Clear() {
	p.frame = 0
	p.opts = 0
}

// SetWriteProtect removes write permission from the entry.
func (p *PTE) SetWriteProtect() {
	p.opts &^= optWritable
}

// MakeWritable grants write permission to the entry.
//
// Precondition: p.Valid().
func (p *PTE) MakeWritable() {
	p.opts |= optWritable
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	w := "ro"
	if p.Writable() {
		w = "rw"
	}
	return fmt.Sprintf("frame=%d %s", p.frame, w)
}
