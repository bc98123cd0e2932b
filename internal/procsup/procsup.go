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

// Package procsup supervises the daemon's child processes: the tailer(s)
// feeding the reactor and the downstream sink. It is the Go-idiomatic
// rendering of the original fork/pipe/self-pipe subprocess machinery,
// generalizing the sandbox process supervision found in the teacher's
// runsc/sandbox package.
package procsup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aimant/aimant/internal/alog"
)

// Exit reports that a supervised child has terminated.
type Exit struct {
	Pid int
	Err error // non-nil if the child exited with a non-zero status or signal
}

// Child is one supervised subprocess, with the parent ends of its three
// standard streams kept open and set non-blocking.
type Child struct {
	Cmd    *exec.Cmd
	Pid    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	table    *Table
	waitOnce sync.Once

	mu   sync.Mutex
	gone bool
}

// IsGone reports whether the table has observed this child's exit.
func (c *Child) IsGone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

func (c *Child) markGone() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
}

// Option configures a spawned child.
type Option func(*spawnOpts)

type spawnOpts struct {
	env        []string
	searchPath bool
}

// WithEnv replaces the child's environment. Mutually exclusive with
// WithSearchPath, mirroring the original's assertion that explicit envp and
// PATH search never combine.
func WithEnv(env []string) Option {
	return func(o *spawnOpts) { o.env = env }
}

// WithSearchPath resolves argv[0] against PATH instead of treating it as a
// literal executable path.
func WithSearchPath() Option {
	return func(o *spawnOpts) { o.searchPath = true }
}

// Table is the process-global supervisor: every spawned Child is registered
// here, and every exit is funneled through a single channel, the direct
// analogue of the original's self-pipe.
type Table struct {
	mu       sync.Mutex
	children map[int]*Child
	exitCh   chan Exit
}

// NewTable returns an empty process table. The engine owns exactly one.
func NewTable() *Table {
	return &Table{
		children: make(map[int]*Child),
		exitCh:   make(chan Exit, 16),
	}
}

// Spawn starts argv as a child process with three fresh pipes wired to its
// stdin/stdout/stderr, registers it in the table, and arms a goroutine that
// posts its exit onto the table's channel.
func (t *Table) Spawn(argv []string, opts ...Option) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("procsup: empty argv")
	}
	var o spawnOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.searchPath && o.env != nil {
		return nil, fmt.Errorf("procsup: WithSearchPath and WithEnv are mutually exclusive")
	}

	name := argv[0]
	if o.searchPath {
		resolved, err := exec.LookPath(name)
		if err != nil {
			return nil, fmt.Errorf("procsup: search path for %s: %w", name, err)
		}
		name = resolved
	}

	cmd := exec.Command(name, argv[1:]...)
	if o.env != nil {
		cmd.Env = o.env
	}
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setsid:    true,
		Pdeathsig: unix.SIGKILL,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("procsup: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procsup: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("procsup: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procsup: start %s: %w", name, err)
	}

	stdinFile, stdoutFile, stderrFile := stdin.(*os.File), stdout.(*os.File), stderr.(*os.File)
	for _, f := range []*os.File{stdinFile, stdoutFile, stderrFile} {
		if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
			alog.Warningf("procsup: set non-blocking fd for %s (pid %d): %v", name, cmd.Process.Pid, err)
		}
	}

	c := &Child{
		Cmd:    cmd,
		Pid:    cmd.Process.Pid,
		Stdin:  stdinFile,
		Stdout: stdoutFile,
		Stderr: stderrFile,
		table:  t,
	}

	t.mu.Lock()
	t.children[c.Pid] = c
	t.mu.Unlock()

	c.waitOnce.Do(func() {
		go func() {
			err := cmd.Wait()
			t.exitCh <- Exit{Pid: c.Pid, Err: err}
		}()
	})

	alog.Debugf("procsup: spawned %s as pid %d", name, c.Pid)
	return c, nil
}

// ExitChan returns the channel the reactor selects on for child exits.
func (t *Table) ExitChan() <-chan Exit { return t.exitCh }

// Drain consumes every exit currently buffered on the channel without
// blocking, marking the corresponding children gone and removing them from
// the table. Calling Drain with nothing pending is a no-op, making it safe
// to call unconditionally from the reactor's idle path, the same idempotent
// contract as the original's drain_selfpipe.
func (t *Table) Drain() []Exit {
	var drained []Exit
	for {
		select {
		case e := <-t.exitCh:
			drained = append(drained, e)
			t.remove(e.Pid)
		default:
			return drained
		}
	}
}

func (t *Table) remove(pid int) {
	t.mu.Lock()
	c := t.children[pid]
	delete(t.children, pid)
	t.mu.Unlock()
	if c != nil {
		c.markGone()
	}
}

// Wait blocks for a specific child's exit up to timeout, or returns
// immediately if the child is already gone. A zero timeout polls once.
func (t *Table) Wait(c *Child, timeout time.Duration) (Exit, bool) {
	if c.IsGone() {
		return Exit{Pid: c.Pid}, true
	}
	if timeout <= 0 {
		t.Drain()
		return Exit{Pid: c.Pid}, c.IsGone()
	}
	deadline := time.After(timeout)
	for {
		select {
		case e := <-t.exitCh:
			t.remove(e.Pid)
			if e.Pid == c.Pid {
				return e, true
			}
		case <-deadline:
			return Exit{Pid: c.Pid}, c.IsGone()
		}
	}
}

// Terminate runs the same escalation ladder as the original
// subprocess_terminate: close the child's input first so it observes EOF,
// give it a grace period, then SIGTERM, then a repeating SIGKILL until
// waitpid succeeds.
func (t *Table) Terminate(c *Child) error {
	_ = c.Stdin.Close()

	if _, gone := t.Wait(c, 0); gone {
		return nil
	}

	_ = c.Stdout.Close()
	_ = c.Stderr.Close()

	if _, gone := t.Wait(c, 5*time.Second); gone {
		return nil
	}

	alog.Warningf("procsup: pid %d did not exit after close, sending SIGTERM", c.Pid)
	if err := c.Cmd.Process.Signal(unix.SIGTERM); err != nil && c.Cmd.ProcessState == nil {
		alog.Warningf("procsup: SIGTERM pid %d: %v", c.Pid, err)
	}
	if _, gone := t.Wait(c, 5*time.Second); gone {
		return nil
	}

	for i := 0; ; i++ {
		alog.Warningf("procsup: pid %d still alive, sending SIGKILL (attempt %d)", c.Pid, i+1)
		if err := c.Cmd.Process.Signal(unix.SIGKILL); err != nil && c.Cmd.ProcessState == nil {
			alog.Warningf("procsup: SIGKILL pid %d: %v", c.Pid, err)
		}
		if _, gone := t.Wait(c, 10*time.Second); gone {
			return nil
		}
	}
}
