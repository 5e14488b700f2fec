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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
)

// slabPages is the number of page buffers carved out of each slab.
const slabPages = 64

func mmapSlab(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// bufferPool hands out page-sized buffers for saved page contents. Buffers
// are carved from anonymous mappings outside the Go heap, so a large
// snapshot does not inflate the garbage collector's working set. Buffers are
// never returned individually; release unmaps everything at once.
type bufferPool struct {
	mmap   func(length int) ([]byte, error)
	munmap func([]byte) error

	// limit is the maximum number of buffers, or 0 for no limit.
	limit int

	slabs     [][]byte
	free      [][]byte
	allocated int
}

func newBufferPool(limit int) *bufferPool {
	return &bufferPool{
		mmap:   mmapSlab,
		munmap: unix.Munmap,
		limit:  limit,
	}
}

// alloc returns a page-sized buffer.
func (b *bufferPool) alloc() ([]byte, error) {
	if b.limit > 0 && b.allocated >= b.limit {
		return nil, fmt.Errorf("%w: limit of %d saved pages reached", ErrAllocation, b.limit)
	}
	if len(b.free) == 0 {
		slab, err := b.mmap(slabPages * hostarch.PageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		b.slabs = append(b.slabs, slab)
		for off := len(slab) - hostarch.PageSize; off >= 0; off -= hostarch.PageSize {
			b.free = append(b.free, slab[off:off+hostarch.PageSize:off+hostarch.PageSize])
		}
	}
	buf := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	b.allocated++
	return buf, nil
}

// release unmaps all slabs. Buffers returned by alloc must not be used
// afterwards.
func (b *bufferPool) release() error {
	var errs []error
	for _, slab := range b.slabs {
		if err := b.munmap(slab); err != nil {
			errs = append(errs, err)
		}
	}
	b.slabs = nil
	b.free = nil
	b.allocated = 0
	return errors.Join(errs...)
}
