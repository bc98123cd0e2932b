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

package engine

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/aimant/aimant/internal/procsup"
	"github.com/aimant/aimant/internal/queue"
	"github.com/aimant/aimant/internal/tailer"
	"github.com/aimant/aimant/internal/tap"
)

// TestMain lets this test binary double as the tail child CatTap re-execs:
// when invoked with -internal-tail-file it runs the tailer loop and exits
// instead of running the test suite, the same self-exec trick
// os/exec's own tests use to avoid shipping a second helper binary.
func TestMain(m *testing.M) {
	tailFile := flag.String("internal-tail-file", "", "")
	seekEnd := flag.Bool("internal-tail-seek-end", false, "")
	flag.Parse()

	if *tailFile != "" {
		if err := tailer.Open(*tailFile, *seekEnd); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func TestCheckTerminationExitsCleanlyOnDrainedStdinEOF(t *testing.T) {
	e := &Engine{
		stdin: &tap.FDTap{GotEOF: true},
		q:     queue.New(),
	}
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	done, err := e.checkTermination(0 /* polled: timeout */, 0, 0, limiter)
	if !done || err != nil {
		t.Fatalf("checkTermination() = (%v, %v), want (true, nil) once stdin EOF and queue is empty", done, err)
	}
}

func TestCheckTerminationErrorsOnStalledDrainAfterStdinEOF(t *testing.T) {
	e := &Engine{
		stdin: &tap.FDTap{GotEOF: true},
		q:     queue.New(),
	}
	e.q.Push(queue.SourceCurrent, []byte("still pending"))
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	done, err := e.checkTermination(0 /* polled: timeout */, 0, 0, limiter)
	if !done || err == nil {
		t.Fatalf("checkTermination() = (%v, %v), want (true, non-nil) when buffers remain stuck after stdin EOF", done, err)
	}
}

func TestCheckTerminationExitsCleanlyOnDrainedProducerGone(t *testing.T) {
	e := &Engine{
		stdin:        &tap.FDTap{},
		q:            queue.New(),
		producerGone: true,
	}
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	done, err := e.checkTermination(0 /* polled: timeout */, 0, 0, limiter)
	if !done || err != nil {
		t.Fatalf("checkTermination() = (%v, %v), want (true, nil) once producer is gone and queue is empty", done, err)
	}
}

func TestRotationForwardsBytesToSink(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	if err := os.WriteFile(logPath, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outPath := filepath.Join(dir, "sink.out")
	table := procsup.NewTable()

	cfg := Config{
		InputPath:     logPath,
		PidToSignal:   0, // 0 makes rotate skip sending SIGUSR1
		CountToRotate: 8,
		ExitOnTimeout: true,
		SinkArgv:      []string{"/bin/sh", "-c", "cat > " + outPath},
	}

	e, err := New(cfg, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	if err := os.WriteFile(logPath, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("engine did not exit in time")
	}

	// Give the sink's shell a moment to flush its own stdout redirection
	// after the pipe closes during cleanup.
	time.Sleep(200 * time.Millisecond)
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile(outPath): %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("sink output = %q, want %q", got, "0123456789")
	}
}
