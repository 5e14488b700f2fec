// Copyright 2018 Google LLC
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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Errorf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := json.Unmarshal(bs, &lv2); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

func TestLevelUnmarshalNumber(t *testing.T) {
	var lv Level
	if err := json.Unmarshal([]byte("2"), &lv); err != nil || lv != Debug {
		t.Errorf("Unmarshal(2) = %v, %v, want %v", lv, err, Debug)
	}
	if err := json.Unmarshal([]byte(`"loud"`), &lv); err == nil {
		t.Errorf("Unmarshal(loud) succeeded")
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON(7) succeeded")
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "restored %d pages", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0304 05:06:07.000008 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] restored 3 pages\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Now(), "hello %s", "world")
	if len(tw.lines) == 0 {
		t.Fatalf("nothing written")
	}
	var j jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", tw.lines[0], err)
	}
	if j.Level != Info || j.Msg != "hello world" {
		t.Errorf("got %+v, want info level message %q", j, "hello world")
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}
	if !strings.HasSuffix(tw.lines[0], "}\n") {
		t.Errorf("line %q is not newline terminated", tw.lines[0])
	}
}

type countingLogger struct {
	warnings int
}

func (c *countingLogger) Debugf(string, ...any)      {}
func (c *countingLogger) Infof(string, ...any)       {}
func (c *countingLogger) Warningf(string, ...any)    { c.warnings++ }
func (c *countingLogger) IsLogging(level Level) bool { return true }

func TestRateLimitedLogger(t *testing.T) {
	c := &countingLogger{}
	l := RateLimitedLogger(c, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("warning %d", i)
	}
	if c.warnings != 1 {
		t.Errorf("got %d warnings through, want 1", c.warnings)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": Debug, "INFO": Info, "warning": Warning} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, nil)", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel(loud) succeeded, want error")
	}
}
