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

package scenario

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/memsnap/pkg/cleanup"
	"gvisor.dev/memsnap/pkg/log"
	"gvisor.dev/memsnap/pkg/mm"
	"gvisor.dev/memsnap/pkg/snapshot"
)

// Result is the outcome of running one process.
type Result struct {
	PID snapshot.PID
	Counts
	Snapshot snapshot.Stats
	MM       mm.Stats

	// Verified is the number of pages checked after each restore.
	Verified int
}

// Runner runs scenarios against a snapshot.Manager.
type Runner struct {
	Manager *snapshot.Manager

	// Keep leaves processes tracked after they complete successfully.
	Keep bool
}

// workerSlots hands out cache slot indices. A slot is owned by at most one
// running process at a time.
type workerSlots chan int

func newWorkerSlots(n int) workerSlots {
	s := make(workerSlots, n)
	for w := 0; w < n; w++ {
		s <- w
	}
	return s
}

// get takes a free slot, blocking until one is returned or ctx is done.
func (s workerSlots) get(ctx context.Context) (int, error) {
	select {
	case w := <-s:
		return w, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s workerSlots) put(w int) {
	s <- w
}

// Run builds every process of sc and runs its rounds, up to sc.Workers
// processes at a time. Each running process owns one worker slot until it
// finishes. The first failure cancels the remaining processes.
func (r *Runner) Run(ctx context.Context, sc *Scenario) ([]Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.Workers)
	slots := newWorkerSlots(sc.Workers)
	results := make([]Result, len(sc.Processes))
	for i := range sc.Processes {
		desc := &sc.Processes[i]
		seed := sc.Seed + int64(i)
		g.Go(func() error {
			worker, err := slots.get(ctx)
			if err != nil {
				return err
			}
			defer slots.put(worker)
			inst, err := Build(r.Manager, worker, desc, seed)
			if err != nil {
				return err
			}
			cu := cleanup.Make(func() {
				if err := inst.Release(); err != nil {
					log.Warningf("%v", err)
				}
			})
			defer cu.Clean()
			for round := 0; round < sc.Iterations; round++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := inst.Round(); err != nil {
					return fmt.Errorf("pid %d round %d: %w", desc.PID, round, err)
				}
			}
			results[i] = inst.Result()
			log.Infof("pid %d: %d rounds, %d writes, %d maps, %d unmaps, %d brk moves", desc.PID,
				results[i].Rounds, results[i].Writes, results[i].Maps, results[i].Unmaps, results[i].BrkMoves)
			if r.Keep {
				cu.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
