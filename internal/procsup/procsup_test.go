// Copyright 2023 The aimant Authors.
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

package procsup

import (
	"bufio"
	"testing"
	"time"
)

func TestSpawnAndExit(t *testing.T) {
	table := NewTable()
	c, err := table.Spawn([]string{"/bin/sh", "-c", "echo hi; exit 0"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	scanner := bufio.NewScanner(c.Stdout)
	var gotLine bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if scanner.Scan() {
			gotLine = scanner.Text() == "hi"
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !gotLine {
		t.Fatalf("expected to read %q from child stdout", "hi")
	}

	if _, gone := table.Wait(c, 2*time.Second); !gone {
		t.Fatalf("expected child to exit")
	}
	if !c.IsGone() {
		t.Fatalf("expected IsGone() true after Wait")
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	table := NewTable()
	if drained := table.Drain(); len(drained) != 0 {
		t.Fatalf("expected empty drain on idle table, got %v", drained)
	}
	if drained := table.Drain(); len(drained) != 0 {
		t.Fatalf("expected second drain to be a no-op, got %v", drained)
	}
}

func TestTerminateClosedPipeChild(t *testing.T) {
	table := NewTable()
	c, err := table.Spawn([]string{"/bin/sh", "-c", "cat"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := table.Terminate(c); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}
