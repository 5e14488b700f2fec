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

// Package pagetables implements a software four-level page table.
//
// The layout mirrors x86-64 paging: a PGD indexes PUDs, which index PMDs,
// which index leaf tables of PTEs. Each level has 512 entries and leaves map
// 4 KiB pages. A PTE stores a frame number rather than a host address; the
// owner of the page tables decides what frame numbers refer to.
package pagetables

import (
	"gvisor.dev/memsnap/pkg/hostarch"
)

// Level identifies one level of the page table tree.
type Level int

// Page table levels, from the root down.
const (
	LevelPGD Level = iota
	LevelPUD
	LevelPMD
	LevelPTE
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelPGD:
		return "pgd"
	case LevelPUD:
		return "pud"
	case LevelPMD:
		return "pmd"
	case LevelPTE:
		return "pte"
	default:
		return "unknown"
	}
}

const (
	entriesPerPage = 512

	pteShift = hostarch.PageShift
	pmdShift = pteShift + 9
	pudShift = pmdShift + 9
	pgdShift = pudShift + 9

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	// maxAddr is the first address that cannot be mapped.
	maxAddr = entriesPerPage * pgdSize
)

// shift returns the address shift covered by one entry at level l.
func (l Level) shift() uint {
	switch l {
	case LevelPGD:
		return pgdShift
	case LevelPUD:
		return pudShift
	case LevelPMD:
		return pmdShift
	default:
		return pteShift
	}
}

// EntrySize returns the number of bytes mapped by one entry at level l.
func (l Level) EntrySize() hostarch.Addr {
	return hostarch.Addr(1) << l.shift()
}

func index(addr hostarch.Addr, l Level) int {
	return int((addr >> l.shift()) & (entriesPerPage - 1))
}

// addrEnd returns the next boundary of an entry at level l after addr, or end
// if that comes earlier.
func addrEnd(addr, end hostarch.Addr, l Level) hostarch.Addr {
	size := l.EntrySize()
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// MaxAddr returns the end of the address space covered by a PageTables.
func MaxAddr() hostarch.Addr {
	return maxAddr
}
