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

package main

import (
	"os"
	"testing"
)

func TestWriteLineAdvancesAndWraps(t *testing.T) {
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	o := &options{startCh: endChar - 2}
	pos := writeLine(f, o, o.startCh)
	if pos < startChar || pos >= endChar {
		t.Fatalf("writeLine pos out of range: %d", pos)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != lineLength+1 {
		t.Fatalf("line size = %d, want %d", info.Size(), lineLength+1)
	}
}

func TestWriteLineReverseWraps(t *testing.T) {
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	o := &options{startCh: startChar + 1, reverse: true}
	pos := writeLine(f, o, o.startCh)
	if pos < startChar || pos >= endChar {
		t.Fatalf("writeLine pos out of range: %d", pos)
	}
}

func TestWritePidFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/pid"
	if err := writePidFile(path); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("pid file is empty")
	}
}
