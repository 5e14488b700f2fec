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

// Package snapshot tracks and restores the memory state of processes.
//
// A snapshot records which pages of a process's writable private mappings
// exist and write-protects them. The first write to each page afterwards
// saves the page's original contents and queues the page on a dirty list.
// Restoring writes back only the queued pages, and optionally reconciles the
// set of mappings, so the cost of a restore is proportional to how much the
// process changed rather than to its size.
//
// The address space reports writes, new pages and unmaps through
// memmap.Observer; a Binding connects one process's events to a Manager.
package snapshot

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/memmap"
)

// warningInterval is the minimum interval between logged protocol warnings.
const warningInterval = time.Second

// Options configures a Manager.
type Options struct {
	// Workers is the number of event delivery workers that get a lookup
	// cache slot. Events from other workers bypass the cache.
	Workers int

	// Registerer, if not nil, receives the Manager's metrics.
	Registerer prometheus.Registerer

	// MaxSavedPages limits the number of saved page buffers per process.
	// Zero means no limit.
	MaxSavedPages int
}

// Manager owns the tracked processes and implements the snapshot operations.
type Manager struct {
	registry *Registry
	cache    *workerCache
	metrics  *metrics
	warn     log.Logger
	opts     Options
}

// NewManager returns a Manager with no tracked processes.
func NewManager(opts Options) *Manager {
	return &Manager{
		registry: NewRegistry(),
		cache:    newWorkerCache(opts.Workers),
		metrics:  newMetrics(opts.Registerer),
		warn:     log.BasicRateLimitedLogger(warningInterval),
		opts:     opts,
	}
}

// Registry returns the Manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Track starts tracking the process with the given identity and address
// space. Tracking an already tracked identity returns the existing process
// if its address space is as, and an error otherwise.
func (m *Manager) Track(pid PID, as memmap.AddressSpace) (*TrackedProcess, error) {
	p, created := m.registry.GetOrCreate(pid, func() *TrackedProcess {
		return &TrackedProcess{
			pid:     pid,
			as:      as,
			metrics: m.metrics,
			warn:    m.warn,
			buffers: newBufferPool(m.opts.MaxSavedPages),
		}
	})
	if !created && p.as != as {
		return nil, fmt.Errorf("pid %d is already tracked with another address space: %w", pid, unix.EEXIST)
	}
	if created {
		m.metrics.tracked.Inc()
		log.Debugf("pid %d: tracked", pid)
	}
	return p, nil
}

// Untrack stops tracking the process and releases its snapshot state.
func (m *Manager) Untrack(pid PID) error {
	p := m.registry.Remove(pid)
	if p == nil {
		return fmt.Errorf("pid %d: %w", pid, ErrNotTracked)
	}
	m.cache.invalidate(pid)
	p.mu.Lock()
	p.released = true
	p.clearLocked()
	p.mu.Unlock()
	m.metrics.tracked.Dec()
	log.Debugf("pid %d: untracked", pid)
	return nil
}

// Process returns the tracked process with the given identity.
func (m *Manager) Process(pid PID) (*TrackedProcess, error) {
	p := m.registry.Get(pid)
	if p == nil {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotTracked)
	}
	return p, nil
}

// TakeSnapshot captures the process's current memory state with the given
// configuration, replacing any previous snapshot.
func (m *Manager) TakeSnapshot(pid PID, config Config) error {
	p, err := m.Process(pid)
	if err != nil {
		return err
	}
	p.as.Lock()
	defer p.as.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	m.cache.invalidate(pid)
	if err := p.captureLocked(config); err != nil {
		return fmt.Errorf("pid %d: taking snapshot: %w", pid, err)
	}
	return nil
}

// RestoreSnapshot returns the process's memory to its snapshot state.
//
// Errors wrapping ErrUnrecoverableMapping leave the rest of the process
// restored. Any other error means the restore stopped early; the pages it
// did not reach remain queued and a later call may retry.
func (m *Manager) RestoreSnapshot(pid PID) error {
	p, err := m.Process(pid)
	if err != nil {
		return err
	}
	p.as.Lock()
	defer p.as.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	m.metrics.restores.Inc()
	if err := p.restoreLocked(); err != nil {
		m.metrics.restoreFailures.Inc()
		return fmt.Errorf("pid %d: restoring snapshot: %w", pid, err)
	}
	return nil
}

// IncludeRange adds ar to the process's allowlist. It takes effect at the
// next snapshot.
func (m *Manager) IncludeRange(pid PID, ar hostarch.AddrRange) error {
	p, err := m.Process(pid)
	if err != nil {
		return err
	}
	if !ar.WellFormed() || ar.Length() == 0 {
		return fmt.Errorf("include range %v: %w", ar, unix.EINVAL)
	}
	p.includeRange(ar)
	return nil
}

// ExcludeRange adds ar to the process's blocklist. It takes effect at the
// next snapshot.
func (m *Manager) ExcludeRange(pid PID, ar hostarch.AddrRange) error {
	p, err := m.Process(pid)
	if err != nil {
		return err
	}
	if !ar.WellFormed() || ar.Length() == 0 {
		return fmt.Errorf("exclude range %v: %w", ar, unix.EINVAL)
	}
	p.excludeRange(ar)
	return nil
}

// HasSnapshot returns true if the process is tracked and has a snapshot.
func (m *Manager) HasSnapshot(pid PID) bool {
	p := m.registry.Get(pid)
	return p != nil && p.HasSnapshot()
}

// ClearSnapshot drops the process's snapshot and releases its saved
// contents. Pages stay write-protected; later writes to them are resolved by
// the address space's ordinary handling.
func (m *Manager) ClearSnapshot(pid PID) error {
	p, err := m.Process(pid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m.cache.invalidate(pid)
	p.clearLocked()
	return nil
}

// lookup returns the tracked process for an event delivered by worker.
func (m *Manager) lookup(worker int, pid PID) *TrackedProcess {
	return m.cache.lookup(worker, pid, m.registry)
}

// OnWriteFault handles a write to a write-protected page of the process. It
// returns memmap.FaultHandled if the page is one this package protected and
// the write may proceed once the caller makes the entry writable.
//
// Preconditions: The process's address space lock is held.
func (m *Manager) OnWriteFault(worker int, pid PID, addr hostarch.Addr) memmap.FaultResult {
	m.metrics.faults.WithLabelValues("write").Inc()
	p := m.lookup(worker, pid)
	if p == nil {
		return memmap.FaultDefault
	}
	return p.writeFault(addr.RoundDown())
}

// OnNewMapping handles the first backing of a page of the process.
//
// Preconditions: The process's address space lock is held.
func (m *Manager) OnNewMapping(worker int, pid PID, addr hostarch.Addr) {
	m.metrics.faults.WithLabelValues("new").Inc()
	if p := m.lookup(worker, pid); p != nil {
		p.newMapping(addr.RoundDown())
	}
}

// OnUnmap handles an imminent unmap of ar in the process.
//
// Preconditions: The process's address space lock is held.
func (m *Manager) OnUnmap(worker int, pid PID, ar hostarch.AddrRange) {
	m.metrics.faults.WithLabelValues("unmap").Inc()
	ar, ok := ar.RoundOut()
	if !ok {
		return
	}
	if p := m.lookup(worker, pid); p != nil {
		p.unmap(ar)
	}
}

// Observer returns a memmap.Observer that delivers the process's events to
// m as the given worker.
func (m *Manager) Observer(worker int, pid PID) *Binding {
	return &Binding{m: m, worker: worker, pid: pid}
}
