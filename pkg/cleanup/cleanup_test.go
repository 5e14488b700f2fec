// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// run registers two cleanups that append to calls, cleans on return and
// returns the released cleanups if release is true.
func run(calls *[]string, release bool) func() {
	cu := Make(func() { *calls = append(*calls, "made") })
	cu.Add(func() { *calls = append(*calls, "added") })
	defer cu.Clean()
	if release {
		return cu.Release()
	}
	return nil
}

func TestCleanup(t *testing.T) {
	var calls []string
	if f := run(&calls, false); f != nil {
		t.Errorf("run returned a cleaner without release")
	}
	if diff := cmp.Diff([]string{"added", "made"}, calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var calls []string
	cleaner := run(&calls, true)
	if len(calls) != 0 {
		t.Fatalf("released cleanups ran on return: %v", calls)
	}
	cleaner()
	if diff := cmp.Diff([]string{"added", "made"}, calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}
