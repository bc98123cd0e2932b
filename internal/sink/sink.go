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

// Package sink wraps the downstream log consumer (svlogd by default): a
// child process whose stdin receives every forwarded byte.
package sink

import (
	"errors"
	"io"
	"syscall"

	"github.com/aimant/aimant/internal/alog"
	"github.com/aimant/aimant/internal/procsup"
	"github.com/aimant/aimant/internal/queue"
)

// ErrUnrecoverable is returned by Write/WriteFromQueue when the sink's
// stdin has closed (EPIPE): the original's "errors beyond recovery" case.
var ErrUnrecoverable = errors.New("sink: unrecoverable write error")

// Sink forwards bytes to a supervised downstream process.
type Sink struct {
	table *procsup.Table
	child *procsup.Child
	gotEOF bool
}

// Open spawns argv (resolved against PATH) as the sink process.
func Open(table *procsup.Table, argv []string) (*Sink, error) {
	child, err := table.Spawn(argv, procsup.WithSearchPath())
	if err != nil {
		return nil, err
	}
	return &Sink{table: table, child: child}, nil
}

// GotEOF reports whether the sink's stdin has been observed closed.
func (s *Sink) GotEOF() bool { return s.gotEOF }

// Pid returns the sink child's process id, for diagnostics.
func (s *Sink) Pid() int { return s.child.Pid }

// Fd returns the sink's stdin descriptor, for use with unix.Poll.
func (s *Sink) Fd() int { return int(s.child.Stdin.Fd()) }

// Close stops accepting tap input and terminates the sink child.
func (s *Sink) Close() error {
	_ = s.child.Stdin.Close()
	return s.table.Terminate(s.child)
}

// writeOnce writes as much of r.Remaining() as the sink accepts right now,
// advancing r.Cursor. It returns the original's three outcomes: bytes
// written and nil; 0 written with syscall.EAGAIN (try later); or
// ErrUnrecoverable (stdin closed, read the child's stderr for diagnostics).
// Any other write error is returned unchanged.
func (s *Sink) writeOnce(r *queue.Record) (int, error) {
	n, err := s.child.Stdin.Write(r.Remaining())
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return 0, syscall.EAGAIN
		}
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
			s.logStderr()
			return 0, ErrUnrecoverable
		}
		return 0, err
	}
	if n == 0 {
		s.gotEOF = true
	}
	r.Cursor += n
	return n, nil
}

func (s *Sink) logStderr() {
	buf := make([]byte, 4096)
	n, err := s.child.Stderr.Read(buf)
	if err == nil && n > 0 {
		alog.Warningf("sink: pid %d stderr: %s", s.child.Pid, buf[:n])
	}
}

// WriteFromQueue drains q into the sink until a write would block, the
// sink's stdin closes, or the queue empties, matching
// sink_write_from_queue's reschedule-on-partial-write semantics.
func (s *Sink) WriteFromQueue(q *queue.Queue) (int, error) {
	total := 0
	for {
		r := q.Pop()
		if r == nil {
			return total, nil
		}
		n, err := s.writeOnce(r)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				q.PushFront(r)
				return total, nil
			}
			q.PushFront(r)
			return total, err
		}
		total += n
		if !r.Done() {
			q.PushFront(r)
			return total, nil
		}
		if s.gotEOF {
			return total, nil
		}
	}
}

// FlushAll repeatedly drains q, waiting for the sink to become writable
// between rounds, until the queue is empty or the sink's stdin closes.
// This is the rotation-time "flush everything before accepting new bytes"
// step (sink_flush_all_buffers).
func (s *Sink) FlushAll(q *queue.Queue, waitWritable func() error) (int, error) {
	total := 0
	for q.Len() > 0 {
		n, err := s.WriteFromQueue(q)
		total += n
		if err != nil {
			return total, err
		}
		if s.gotEOF {
			return total, nil
		}
		if q.Len() == 0 {
			break
		}
		if err := waitWritable(); err != nil {
			return total, err
		}
	}
	return total, nil
}
