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

package hostarch

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
		ok   bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, true},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 1, PageSize, 2 * PageSize, true},
		{^Addr(0), ^Addr(PageSize - 1), 0, false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		up, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && up != tc.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, up, ok, tc.up, tc.ok)
		}
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	for _, tc := range []struct {
		a, b AddrRange
		want Addr
	}{
		{AddrRange{0, 0x3000}, AddrRange{0x1000, 0x2000}, 0x1000},
		{AddrRange{0, 0x1000}, AddrRange{0x1000, 0x2000}, 0},
		{AddrRange{0x1000, 0x4000}, AddrRange{0, 0x2000}, 0x1000},
	} {
		if got := tc.a.Intersect(tc.b).Length(); got != tc.want {
			t.Errorf("%v.Intersect(%v).Length() = %#x, want %#x", tc.a, tc.b, got, tc.want)
		}
		if got, want := tc.a.Overlaps(tc.b), tc.want != 0; got != want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", tc.a, tc.b, got, want)
		}
	}
}

func TestAccessTypeProt(t *testing.T) {
	for _, at := range []AccessType{NoAccess, Read, ReadWrite, AnyAccess, Execute} {
		if got := AccessTypeFromProt(at.Prot()); got != at {
			t.Errorf("AccessTypeFromProt(%v.Prot()) = %v", at, got)
		}
	}
	if got, want := ReadWrite.Prot(), unix.PROT_READ|unix.PROT_WRITE; got != want {
		t.Errorf("ReadWrite.Prot() = %#x, want %#x", got, want)
	}
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("ReadWrite.String() = %q, want %q", got, want)
	}
}
