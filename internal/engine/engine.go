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

// Package engine implements the rotation/forwarding reactor: the daemon's
// core loop. It tails a log file, forwards bytes to a sink, rotates the
// log at a byte threshold, and signals the producer to reopen it.
package engine

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"github.com/aimant/aimant/internal/alog"
	"github.com/aimant/aimant/internal/procsup"
	"github.com/aimant/aimant/internal/queue"
	"github.com/aimant/aimant/internal/sink"
	"github.com/aimant/aimant/internal/tap"
)

const (
	maxQueueBeforeBackpressure = 100
	settleTimeout              = 100 * time.Millisecond
	settleMaxBuffers           = 100
	readChunkSize              = 1 << 20
	producerGoneTimeout        = 3 * time.Second
	idleTimeout                = 5 * time.Second
)

// Config carries the daemon's resolved, runtime-ready options.
type Config struct {
	InputPath     string
	PidToSignal   int
	CountToRotate int64
	ExitOnTimeout bool
	SinkArgv      []string
}

// Engine owns every fd, the queue, and the rotation state; Run is the only
// method that touches any of it, matching the single-writer discipline the
// rest of the system relies on.
type Engine struct {
	cfg   Config
	table *procsup.Table
	sink  *sink.Sink
	stdin *tap.FDTap

	inputs       [2]*tap.CatTap
	currentIndex int // 0 or 1: inputs[currentIndex] is the live tail

	q             *queue.Queue
	hangingPath   string
	rotationCount int
	producerGone  bool
}

// New constructs an Engine. The sink and the initial stdin/tail taps are
// opened as part of construction, the same "create the sink, then the
// tap" ordering the original's doit() comment calls out.
func New(cfg Config, table *procsup.Table) (*Engine, error) {
	s, err := sink.Open(table, cfg.SinkArgv)
	if err != nil {
		return nil, fmt.Errorf("engine: open sink: %w", err)
	}

	stdin, err := tap.OpenFD(os.Stdin)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("engine: open stdin tap: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		table:       table,
		sink:        s,
		stdin:       stdin,
		q:           queue.New(),
		hangingPath: cfg.InputPath + ".hanging",
	}

	input0, err := tap.Open(table, cfg.InputPath, true /* seek end */)
	if err != nil {
		s.Close()
		stdin.Close()
		return nil, fmt.Errorf("engine: open initial tail tap: %w", err)
	}
	e.inputs[0] = input0

	return e, nil
}

func (e *Engine) current() *tap.CatTap { return e.inputs[e.currentIndex] }
func (e *Engine) hanging() *tap.CatTap { return e.inputs[(e.currentIndex+1)%2] }

// Run drives the reactor until a terminating condition is reached: clean
// stdin EOF with nothing pending, the producer gone with nothing pending,
// the sink dying unexpectedly, or (with ExitOnTimeout) a plain idle
// timeout. It does not clean up itself; the caller runs Close afterwards.
func (e *Engine) Run() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	buf := make([]byte, readChunkSize)
	warnLimiter := rate.NewLimiter(rate.Every(time.Second), 1)

	for {
		pollFds, slots := e.buildPollSet()
		timeout := e.pollTimeout()

		n, err := unix.Poll(pollFds, int(timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("engine: poll: %w", err)
		}

		// A dead sink is detected lazily: the next write attempt returns
		// ErrUnrecoverable. Draining here marks exited children (the sink
		// included) gone but does not end the loop.
		e.table.Drain()

		bytesRead, bytesWritten := 0, 0

		if n > 0 {
			for i, pfd := range pollFds {
				if pfd.Revents == 0 {
					continue
				}
				switch slots[i] {
				case slotStdin:
					nread, err := e.readStdin(buf)
					if err != nil {
						return err
					}
					bytesRead += nread
				case slotCurrent:
					// Rotation, if triggered, advances current/hanging and
					// flushes the queue; the poll set is re-derived next
					// iteration regardless.
					nread, _, err := e.readCurrent(buf)
					if err != nil {
						return err
					}
					bytesRead += nread
				case slotHanging:
					nread, err := e.readHanging(buf)
					if err != nil {
						return err
					}
					bytesRead += nread
				case slotSink:
					nwritten, err := e.sink.WriteFromQueue(e.q)
					bytesWritten += nwritten
					if err != nil {
						alog.Warningf("engine: sink write error: %v", err)
						return err
					}
					if e.sink.GotEOF() {
						return fmt.Errorf("engine: sink closed its stdin unexpectedly")
					}
				}
			}
		}

		if done, err := e.checkTermination(n, bytesRead, bytesWritten, warnLimiter); done {
			return err
		}
	}
}

type pollSlot int

const (
	slotStdin pollSlot = iota
	slotCurrent
	slotHanging
	slotSink
)

func (e *Engine) buildPollSet() ([]unix.PollFd, []pollSlot) {
	var fds []unix.PollFd
	var slots []pollSlot

	readsEnabled := e.q.Len() < maxQueueBeforeBackpressure
	if readsEnabled {
		if !e.stdin.GotEOF {
			fds = append(fds, unix.PollFd{Fd: int32(e.stdin.Fd()), Events: unix.POLLIN})
			slots = append(slots, slotStdin)
		}
		if c := e.current(); c != nil && !c.GotEOF {
			fds = append(fds, unix.PollFd{Fd: int32(c.Fd()), Events: unix.POLLIN})
			slots = append(slots, slotCurrent)
		}
		if h := e.hanging(); h != nil && !h.GotEOF {
			fds = append(fds, unix.PollFd{Fd: int32(h.Fd()), Events: unix.POLLIN})
			slots = append(slots, slotHanging)
		}
	}

	if e.q.Len() > 0 {
		fds = append(fds, unix.PollFd{Fd: int32(e.sink.Fd()), Events: unix.POLLOUT})
		slots = append(slots, slotSink)
	}

	return fds, slots
}

func (e *Engine) pollTimeout() time.Duration {
	if e.stdin.GotEOF || e.producerGone {
		return producerGoneTimeout
	}
	return idleTimeout
}

func (e *Engine) readStdin(buf []byte) (int, error) {
	n, err := e.stdin.Read(buf)
	if err == tap.ErrWouldBlock {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: read stdin: %w", err)
	}
	if n == 0 {
		alog.Debugf("engine: stdin got EOF, starting clean shutdown")
		e.stdin.Close()
		if h := e.hanging(); h != nil {
			e.inputs[(e.currentIndex+1)%2] = nil
			h.Close()
		}
		if c := e.current(); c != nil {
			e.inputs[e.currentIndex] = nil
			c.Close()
		}
		return 0, nil
	}
	e.q.Push(queue.SourceStdin, append([]byte(nil), buf[:n]...))
	return n, nil
}

func (e *Engine) readCurrent(buf []byte) (int, bool, error) {
	c := e.current()
	if c == nil {
		return 0, false, nil
	}
	n, err := c.Read(buf)
	if err == tap.ErrWouldBlock {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("engine: read current tail: %w", err)
	}
	if n == 0 {
		return 0, false, fmt.Errorf("engine: current tail got unexpected EOF")
	}
	e.q.Push(queue.SourceCurrent, append([]byte(nil), buf[:n]...))

	if c.BytesRead >= e.cfg.CountToRotate {
		if err := e.rotate(buf); err != nil {
			return n, false, err
		}
		return n, true, nil
	}
	return n, false, nil
}

func (e *Engine) readHanging(buf []byte) (int, error) {
	h := e.hanging()
	if h == nil {
		return 0, nil
	}
	n, err := h.Read(buf)
	if err == tap.ErrWouldBlock {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: read hanging tail: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("engine: hanging tail got unexpected EOF")
	}
	e.q.Push(queue.SourceHangingNormal, append([]byte(nil), buf[:n]...))
	return n, nil
}

// rotate runs the rename/reopen/signal/flush/settle sequence, the core of
// the daemon's reason for existing.
func (e *Engine) rotate(buf []byte) error {
	current := e.current()
	alog.Infof("engine: rotating %s (read %d bytes, limit %d)", current.Path, current.BytesRead, e.cfg.CountToRotate)

	if err := os.Rename(e.cfg.InputPath, e.hangingPath); err != nil {
		return fmt.Errorf("engine: rename %s to %s: %w", e.cfg.InputPath, e.hangingPath, err)
	}
	f, err := os.OpenFile(e.cfg.InputPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("engine: recreate %s: %w", e.cfg.InputPath, err)
	}
	f.Close()

	current.Path = e.hangingPath

	oldHanging := e.hanging()
	if oldHanging != nil {
		alog.Debugf("engine: closing completed hanging tail pid %d", oldHanging.Pid())
		oldHanging.Close()
	}

	newHanging, err := tap.Open(e.table, e.cfg.InputPath, false /* seek end */)
	if err != nil {
		return fmt.Errorf("engine: reopen tail on %s: %w", e.cfg.InputPath, err)
	}
	e.inputs[(e.currentIndex+1)%2] = newHanging

	if e.cfg.PidToSignal > 0 {
		if err := unix.Kill(e.cfg.PidToSignal, unix.SIGUSR1); err != nil {
			alog.Warningf("engine: signal producer pid %d: %v", e.cfg.PidToSignal, err)
			e.producerGone = true
		} else {
			alog.Debugf("engine: sent SIGUSR1 to producer pid %d", e.cfg.PidToSignal)
		}
	}

	if _, err := e.sink.FlushAll(e.q, e.waitSinkWritable); err != nil {
		return fmt.Errorf("engine: flush before rotation settle: %w", err)
	}
	if e.sink.GotEOF() {
		return fmt.Errorf("engine: sink closed during rotation flush")
	}

	e.currentIndex = (e.currentIndex + 1) % 2

	if err := e.enqueueTilSettle(current, buf); err != nil {
		return err
	}

	e.rotationCount++
	_, _ = daemon.SdNotify(false, fmt.Sprintf("STATUS=rotated %d times", e.rotationCount))
	return nil
}

// enqueueTilSettle drains whatever is still buffered in the kernel pipe
// behind the just-renamed file's tail (the old current tap, now demoted to
// the hanging slot post-flip) before declaring rotation complete, the
// ordering guarantee from spec.md: nothing from the new file may be
// forwarded before the old file's tail has drained.
func (e *Engine) enqueueTilSettle(input *tap.CatTap, buf []byte) error {
	before := e.q.Len()
	for {
		pfd := []unix.PollFd{{Fd: int32(input.Fd()), Events: unix.POLLIN}}
		_, err := unix.Poll(pfd, int(settleTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("engine: settle poll: %w", err)
		}
		if pfd[0].Revents == 0 {
			alog.Debugf("engine: settled, queue grew by %d", e.q.Len()-before)
			return nil
		}
		n, err := input.Read(buf)
		if err == tap.ErrWouldBlock {
			continue
		}
		if err != nil {
			return fmt.Errorf("engine: settle read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("engine: hanging tail got unexpected EOF during settle")
		}
		e.q.Push(queue.SourceHangingSettle, append([]byte(nil), buf[:n]...))
		if e.q.Len()-before >= settleMaxBuffers {
			return fmt.Errorf("engine: hanging tail did not settle after %d buffers", settleMaxBuffers)
		}
	}
}

func (e *Engine) waitSinkWritable() error {
	pfd := []unix.PollFd{{Fd: int32(e.sink.Fd()), Events: unix.POLLOUT}}
	_, err := unix.Poll(pfd, 5000)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("engine: wait sink writable: %w", err)
	}
	return nil
}

func (e *Engine) checkTermination(polled, bytesRead, bytesWritten int, warnLimiter *rate.Limiter) (bool, error) {
	if e.q.Len() >= maxQueueBeforeBackpressure && warnLimiter.Allow() {
		alog.Warningf("engine: backpressure, %d buffers enqueued, suspending taps", e.q.Len())
	}

	if polled > 0 {
		if e.stdin.GotEOF {
			if bytesRead == 0 && bytesWritten == 0 {
				alog.Debugf("engine: stdin closed and no pending data, exiting")
				return true, nil
			}
			return false, nil
		}
		if e.producerGone {
			if bytesRead == 0 && bytesWritten == 0 {
				alog.Debugf("engine: producer gone and no pending data, exiting")
				return true, nil
			}
			return false, nil
		}
		return false, nil
	}

	// timeout
	if e.stdin.GotEOF {
		if e.q.Len() == 0 {
			alog.Debugf("engine: stdin closed and queue drained, exiting")
			return true, nil
		}
		alog.Warningf("engine: stdin closed, sink failed to drain remaining data (%d buffers left)", e.q.Len())
		return true, fmt.Errorf("engine: timed out draining queue after stdin EOF")
	}
	if e.producerGone {
		if e.q.Len() == 0 {
			alog.Debugf("engine: producer gone and queue drained, exiting")
			return true, nil
		}
		alog.Warningf("engine: producer gone, sink failed to drain remaining data (%d buffers left)", e.q.Len())
		return true, fmt.Errorf("engine: timed out draining queue after producer gone")
	}
	if e.cfg.ExitOnTimeout {
		alog.Debugf("engine: exiting due to -exit-on-timeout")
		return true, nil
	}
	return false, nil
}

// Close terminates both tail children and the sink. The tail children are
// each subject to the same multi-second termination ladder
// (procsup.Table.Terminate), so they are closed concurrently rather than
// one after another; their errors, plus the sink's, are collected into a
// single aggregate error rather than discarding all but the first.
func (e *Engine) Close() error {
	var g errgroup.Group
	tapErrs := make([]error, len(e.inputs))
	for i, in := range e.inputs {
		i, in := i, in
		if in == nil {
			continue
		}
		g.Go(func() error {
			tapErrs[i] = in.Close()
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range tapErrs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.sink.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
