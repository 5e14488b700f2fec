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
	"strings"
)

// Config selects how a snapshot is taken and restored.
type Config uint32

const (
	// Block excludes every mapping that does not intersect the allowlist.
	Block Config = 1 << iota

	// NoStack excludes the initial stack mapping by default.
	NoStack

	// MMap enables mapping reconciliation on restore: mappings created
	// since the snapshot are unmapped and vanished anonymous mappings are
	// recreated.
	MMap

	// NoBrk disables restoring the program break.
	NoBrk
)

var configNames = []struct {
	flag Config
	name string
}{
	{Block, "block"},
	{NoStack, "nostack"},
	{MMap, "mmap"},
	{NoBrk, "nobrk"},
}

// ParseConfig parses a comma-separated list of flag names, such as
// "nostack,mmap". The empty string is the zero Config.
func ParseConfig(s string) (Config, error) {
	var c Config
	for _, f := range strings.Split(s, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		found := false
		for _, n := range configNames {
			if n.name == f {
				c |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown snapshot flag %q", f)
		}
	}
	return c, nil
}

// String implements fmt.Stringer.String.
func (c Config) String() string {
	var names []string
	for _, n := range configNames {
		if c&n.flag != 0 {
			names = append(names, n.name)
			c &^= n.flag
		}
	}
	if c != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(c)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (c *Config) UnmarshalText(text []byte) error {
	parsed, err := ParseConfig(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
