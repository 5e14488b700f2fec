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
	"gvisor.dev/memsnap/pkg/sync"
)

// cacheSlot is one worker's most recent lookup.
type cacheSlot struct {
	// mu is held across the registry lookup that fills the slot, so an
	// invalidation that follows a registry removal cannot be overtaken by
	// a stale fill.
	mu  sync.Mutex
	pid PID
	p   *TrackedProcess
}

// workerCache remembers, per worker, the last process looked up on the event
// path. It owns nothing; the registry stays authoritative.
type workerCache struct {
	slots []cacheSlot
}

func newWorkerCache(workers int) *workerCache {
	return &workerCache{slots: make([]cacheSlot, workers)}
}

// lookup returns the process with the given identity, consulting worker's
// slot first. Workers outside the cache go straight to the registry.
func (c *workerCache) lookup(worker int, pid PID, r *Registry) *TrackedProcess {
	if worker < 0 || worker >= len(c.slots) {
		return r.Get(pid)
	}
	s := &c.slots[worker]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p != nil && s.pid == pid {
		return s.p
	}
	p := r.Get(pid)
	if p != nil {
		s.pid, s.p = pid, p
	}
	return p
}

// invalidate clears every slot that refers to pid.
func (c *workerCache) invalidate(pid PID) {
	for i := range c.slots {
		s := &c.slots[i]
		s.mu.Lock()
		if s.p != nil && s.pid == pid {
			s.pid, s.p = 0, nil
		}
		s.mu.Unlock()
	}
}
