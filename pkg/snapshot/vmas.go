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
	"gvisor.dev/memsnap/pkg/memmap"
)

// vmaRecord is a mapping as it existed at capture time.
type vmaRecord struct {
	ar          hostarch.AddrRange
	perms       hostarch.AccessType
	anonPrivate bool
}

// String implements fmt.Stringer.String.
func (v vmaRecord) String() string {
	kind := "other"
	if v.anonPrivate {
		kind = "anon private"
	}
	return fmt.Sprintf("%v %v %s", v.ar, v.perms, kind)
}

// vmaStore holds every mapping seen by the last capture, and the subset
// whose pages are tracked. Both are in ascending address order.
type vmaStore struct {
	all []vmaRecord

	// snapshotted holds indices into all.
	snapshotted []int
}

// reset drops all records, keeping the backing arrays.
func (s *vmaStore) reset() {
	s.all = s.all[:0]
	s.snapshotted = s.snapshotted[:0]
}

// add records v and returns its index.
func (s *vmaStore) add(v memmap.VMA) int {
	s.all = append(s.all, vmaRecord{
		ar:          v.Range,
		perms:       v.Perms,
		anonPrivate: v.IsAnonymousPrivate(),
	})
	return len(s.all) - 1
}

// track marks the record at index i as snapshotted.
//
// Preconditions: i is greater than any index already tracked.
func (s *vmaStore) track(i int) {
	s.snapshotted = append(s.snapshotted, i)
}

// contains returns true if addr lies in a snapshotted mapping.
func (s *vmaStore) contains(addr hostarch.Addr) bool {
	for _, i := range s.snapshotted {
		r := s.all[i].ar
		if r.Contains(addr) {
			return true
		}
		if r.Start > addr {
			break
		}
	}
	return false
}

// snapshottedRanges returns the ranges of all snapshotted mappings.
func (s *vmaStore) snapshottedRanges() []hostarch.AddrRange {
	ars := make([]hostarch.AddrRange, 0, len(s.snapshotted))
	for _, i := range s.snapshotted {
		ars = append(ars, s.all[i].ar)
	}
	return ars
}
