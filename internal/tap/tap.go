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

// Package tap implements the three sources of bytes the reactor pulls
// from: the producer's stdin (FDTap), a plain file (FileTap, unused by the
// engine but kept for parity with the original's file_tap), and a child
// process tailing a file (CatTap).
package tap

import (
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/aimant/aimant/internal/procsup"
)

// ErrWouldBlock is returned by Read when no data is currently available on
// a non-blocking fd, the Go analogue of EAGAIN.
var ErrWouldBlock = errors.New("tap: would block")

func classifyReadErr(err error) (n int, out error) {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return -1, ErrWouldBlock
	}
	return -1, err
}

// FDTap reads from an already-open, non-blocking file descriptor: the
// daemon's own stdin.
type FDTap struct {
	f         *os.File
	BytesRead int64
	GotEOF    bool
}

// OpenFD wraps f, setting it non-blocking.
func OpenFD(f *os.File) (*FDTap, error) {
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		return nil, err
	}
	return &FDTap{f: f}, nil
}

// Read returns n>0 on data, 0 with GotEOF set on a clean EOF, or
// ErrWouldBlock when nothing is available yet.
func (t *FDTap) Read(buf []byte) (int, error) {
	n, err := t.f.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.GotEOF = true
			return 0, nil
		}
		return classifyReadErr(err)
	}
	if n == 0 {
		t.GotEOF = true
		return 0, nil
	}
	t.BytesRead += int64(n)
	return n, nil
}

// Close releases the underlying descriptor.
func (t *FDTap) Close() error { return t.f.Close() }

// Fd returns the underlying file descriptor, for use with unix.Poll.
func (t *FDTap) Fd() int { return int(t.f.Fd()) }

// FileTap reads from a plain opened file, non-blocking. Kept for parity
// with the original's file_tap; the engine itself only uses FDTap and
// CatTap, but FileTap is exercised by tests exactly as file_tap_open was
// exercised by the original's own test harness.
type FileTap struct {
	path      string
	f         *os.File
	BytesRead int64
	GotEOF    bool
}

// OpenFile opens path read-only and sets it non-blocking.
func OpenFile(path string) (*FileTap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, err
	}
	return &FileTap{path: path, f: f}, nil
}

// Read has the same contract as FDTap.Read.
func (t *FileTap) Read(buf []byte) (int, error) {
	n, err := t.f.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.GotEOF = true
			return 0, nil
		}
		return classifyReadErr(err)
	}
	if n == 0 {
		t.GotEOF = true
		return 0, nil
	}
	t.BytesRead += int64(n)
	return n, nil
}

// Close releases the underlying descriptor.
func (t *FileTap) Close() error { return t.f.Close() }

// CatTap tails a file through a child process running the tailer loop
// (cmd/aimant re-exec'd with hidden flags), the Go equivalent of the
// original's forked tail0/tail_fn0 children.
type CatTap struct {
	Path      string
	table     *procsup.Table
	child     *procsup.Child
	BytesRead int64
	GotEOF    bool
}

// SelfExecArgv builds the argv for re-executing the current binary as a
// tail child. It is a package variable so cmd/aimant can point it at
// os.Args[0] and the hidden flag names it recognizes.
var SelfExecArgv = func(path string, seekEnd bool) []string {
	argv := []string{os.Args[0], "-internal-tail-file=" + path}
	if seekEnd {
		argv = append(argv, "-internal-tail-seek-end")
	}
	return argv
}

// Open spawns the tail child for path.
func Open(table *procsup.Table, path string, seekEnd bool) (*CatTap, error) {
	child, err := table.Spawn(SelfExecArgv(path, seekEnd))
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(child.Stdout.Fd()), true); err != nil {
		return nil, err
	}
	return &CatTap{Path: path, table: table, child: child}, nil
}

// Read has the same contract as FDTap.Read.
func (t *CatTap) Read(buf []byte) (int, error) {
	n, err := t.child.Stdout.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.GotEOF = true
			return 0, nil
		}
		return classifyReadErr(err)
	}
	if n == 0 {
		t.GotEOF = true
		return 0, nil
	}
	t.BytesRead += int64(n)
	return n, nil
}

// Close stops the tail child: close its output ends, signal it, and wait
// out the termination ladder.
func (t *CatTap) Close() error {
	_ = t.child.Stdout.Close()
	_ = t.child.Stderr.Close()
	_ = t.child.Cmd.Process.Signal(syscall.SIGTERM)
	return t.table.Terminate(t.child)
}

// Pid returns the tail child's process id.
func (t *CatTap) Pid() int { return t.child.Pid }

// Fd returns the child's stdout descriptor, for use with unix.Poll.
func (t *CatTap) Fd() int { return int(t.child.Stdout.Fd()) }
