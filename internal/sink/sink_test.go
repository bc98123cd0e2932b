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

package sink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aimant/aimant/internal/procsup"
	"github.com/aimant/aimant/internal/queue"
)

func TestWriteFromQueueDrainsToChild(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")

	table := procsup.NewTable()
	s, err := Open(table, []string{"/bin/sh", "-c", "cat > " + outPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	q := queue.New()
	q.Push(queue.SourceCurrent, []byte("hello "))
	q.Push(queue.SourceCurrent, []byte("world"))

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		if _, err := s.WriteFromQueue(q); err != nil {
			t.Fatalf("WriteFromQueue: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatalf("queue did not drain, %d records remain", q.Len())
	}

	s.child.Stdin.Close()
	table.Wait(s.child, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("sink output = %q, want %q", got, "hello world")
	}
}

func TestWriteOnceReturnsUnrecoverableOnClosedChild(t *testing.T) {
	table := procsup.NewTable()
	s, err := Open(table, []string{"/bin/sh", "-c", "exit 0"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	table.Wait(s.child, 2*time.Second)

	q := queue.New()
	q.Push(queue.SourceCurrent, []byte("x"))
	r := q.Pop()

	deadline := time.Now().Add(2 * time.Second)
	var gotErr error
	for time.Now().Before(deadline) {
		_, gotErr = s.writeOnce(r)
		if gotErr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if gotErr == nil {
		t.Fatalf("expected an error writing to a dead child's stdin")
	}
}
