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
	"sort"

	"gvisor.dev/memsnap/pkg/sync"
)

// PID identifies a tracked process.
type PID int32

// Registry is the keyed store of tracked processes.
type Registry struct {
	mu    sync.RWMutex
	procs map[PID]*TrackedProcess
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[PID]*TrackedProcess)}
}

// Get returns the process with the given identity, or nil.
func (r *Registry) Get(pid PID) *TrackedProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.procs[pid]
}

// GetOrCreate returns the process with the given identity, creating it with
// newProc if it does not exist. created is true if newProc was called.
func (r *Registry) GetOrCreate(pid PID, newProc func() *TrackedProcess) (p *TrackedProcess, created bool) {
	if p := r.Get(pid); p != nil {
		return p, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.procs[pid]; p != nil {
		return p, false
	}
	p = newProc()
	r.procs[pid] = p
	return p, true
}

// Remove removes and returns the process with the given identity, or nil.
func (r *Registry) Remove(pid PID) *TrackedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.procs[pid]
	delete(r.procs, pid)
	return p
}

// PIDs returns the identities of all tracked processes in ascending order.
func (r *Registry) PIDs() []PID {
	r.mu.RLock()
	pids := make([]PID, 0, len(r.procs))
	for pid := range r.procs {
		pids = append(pids, pid)
	}
	r.mu.RUnlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}
