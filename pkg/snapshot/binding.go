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
	"gvisor.dev/memsnap/pkg/hostarch"
	"gvisor.dev/memsnap/pkg/memmap"
)

// Binding delivers one process's memory events to a Manager on behalf of
// one worker.
type Binding struct {
	m      *Manager
	worker int
	pid    PID
}

var _ memmap.Observer = (*Binding)(nil)

// WriteFault implements memmap.Observer.WriteFault.
func (b *Binding) WriteFault(addr hostarch.Addr) memmap.FaultResult {
	return b.m.OnWriteFault(b.worker, b.pid, addr)
}

// NewMapping implements memmap.Observer.NewMapping.
func (b *Binding) NewMapping(addr hostarch.Addr) {
	b.m.OnNewMapping(b.worker, b.pid, addr)
}

// Unmap implements memmap.Observer.Unmap.
func (b *Binding) Unmap(ar hostarch.AddrRange) {
	b.m.OnUnmap(b.worker, b.pid, ar)
}
