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

// Command chargenx is a CHARGEN-style byte generator used to exercise
// aimant end to end: it writes a steady stream of printable-ASCII lines to
// its log file, reopens that file on SIGUSR1 (the rotation signal aimant
// sends), resets its write position on SIGHUP, and exits cleanly on
// SIGTERM. It is a stand-in "producer" for aimant's test scenarios, ported
// from the original's chargenx.c.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aimant/aimant/internal/alog"
)

const (
	startChar  = 33
	endChar    = 127
	lineLength = 72
)

type options struct {
	startDelay   time.Duration
	endDelay     time.Duration
	betweenDelay time.Duration
	betweenLines time.Duration
	lines        int64
	id           string
	pidFile      string
	startCh      int
	reverse      bool
	outFile      string
	truncate     bool
	daemonize    bool
}

func parseFlags(argv []string) (*options, error) {
	fs := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	o := &options{}
	var startUs, endUs, betweenUs, linesUs int64
	fs.Int64Var(&startUs, "a", 0, "microseconds to wait before the first line")
	fs.Int64Var(&startUs, "start-delay", 0, "alias for -a")
	fs.Int64Var(&endUs, "z", 0, "microseconds to wait after the last line")
	fs.Int64Var(&endUs, "end-delay", 0, "alias for -z")
	fs.Int64Var(&betweenUs, "b", 100000, "microseconds to wait between lines")
	fs.Int64Var(&betweenUs, "between-delay", 100000, "alias for -b")
	fs.Int64Var(&linesUs, "u", 0, "microseconds to wait between line groups")
	fs.Int64Var(&linesUs, "between-lines", 0, "alias for -u")
	fs.Int64Var(&o.lines, "n", -1, "number of lines to write, -1 for unlimited")
	fs.Int64Var(&o.lines, "lines", -1, "alias for -n")
	fs.StringVar(&o.id, "i", "", "id prefix for each line")
	fs.StringVar(&o.id, "id", "", "alias for -i")
	fs.StringVar(&o.pidFile, "p", "", "write pid to this file")
	fs.StringVar(&o.pidFile, "pid-file", "", "alias for -p")
	fs.IntVar(&o.startCh, "c", startChar, "first character code to emit")
	fs.IntVar(&o.startCh, "start-char", startChar, "alias for -c")
	fs.BoolVar(&o.reverse, "r", false, "reverse character order")
	fs.BoolVar(&o.reverse, "reverse-order", false, "alias for -r")
	fs.StringVar(&o.outFile, "o", "", "file to write lines to instead of stdout")
	fs.StringVar(&o.outFile, "stdout-file", "", "alias for -o")
	fs.BoolVar(&o.truncate, "t", false, "truncate -o file on (re)open")
	fs.BoolVar(&o.truncate, "truncate-file", false, "alias for -t")
	fs.BoolVar(&o.daemonize, "d", false, "daemonize")
	fs.BoolVar(&o.daemonize, "daemonize", false, "alias for -d")

	if err := fs.Parse(argv[1:]); err != nil {
		return nil, err
	}

	o.startDelay = time.Duration(startUs) * time.Microsecond
	o.endDelay = time.Duration(endUs) * time.Microsecond
	o.betweenDelay = time.Duration(betweenUs) * time.Microsecond
	o.betweenLines = time.Duration(linesUs) * time.Microsecond
	return o, nil
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// openOutput opens the chargenx output file honoring -t/--truncate-file, or
// returns os.Stdout when no -o was given.
func openOutput(o *options) (*os.File, error) {
	if o.outFile == "" {
		return os.Stdout, nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if o.truncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(o.outFile, flags, 0644)
}

// writeLine writes one doubled pass over the printable ASCII range
// starting at pos, matching the original's line construction, and returns
// the next starting position.
func writeLine(w *os.File, o *options, pos int) int {
	line := make([]byte, 0, lineLength+len(o.id)+1)
	if o.id != "" {
		line = append(line, o.id...)
		line = append(line, ' ')
	}
	c := pos
	for i := 0; i < lineLength; i++ {
		line = append(line, byte(c))
		if o.reverse {
			c--
			if c < startChar {
				c = endChar - 1
			}
		} else {
			c++
			if c >= endChar {
				c = startChar
			}
		}
	}
	line = append(line, '\n')
	w.Write(line)

	if o.reverse {
		pos--
		if pos < startChar {
			pos = endChar - 1
		}
	} else {
		pos++
		if pos >= endChar {
			pos = startChar
		}
	}
	return pos
}

func main() {
	o, err := parseFlags(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if o.daemonize {
		// The original forks, setsids, and redirects std streams to
		// /dev/null before continuing in the child. Go cannot safely
		// fork after the runtime has started goroutines, so daemonizing
		// here means re-execing with a marker env var instead.
		if os.Getenv("CHARGENX_DAEMONIZED") == "" {
			cmd := exec.Command(os.Args[0], os.Args[1:]...)
			cmd.Env = append(os.Environ(), "CHARGENX_DAEMONIZED=1")
			cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			devnull, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
			cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
			if err := cmd.Start(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			os.Exit(0)
		}
	}

	if err := writePidFile(o.pidFile); err != nil {
		alog.Errorf("chargenx: write pid file: %v", err)
		os.Exit(1)
	}

	out, err := openOutput(o)
	if err != nil {
		alog.Errorf("chargenx: open output: %v", err)
		os.Exit(1)
	}

	var reopen, reset, terminate atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGTERM)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGUSR1:
				reopen.Store(true)
			case syscall.SIGHUP:
				reset.Store(true)
			case syscall.SIGTERM:
				terminate.Store(true)
			}
		}
	}()

	time.Sleep(o.startDelay)

	pos := o.startCh
	var n int64
	for o.lines < 0 || n < o.lines {
		if terminate.Load() {
			break
		}
		if reopen.Load() {
			reopen.Store(false)
			if o.outFile != "" {
				out.Close()
				reopened, err := openOutput(o)
				if err != nil {
					alog.Errorf("chargenx: reopen output: %v", err)
					os.Exit(1)
				}
				out = reopened
			}
		}
		if reset.Load() {
			reset.Store(false)
			pos = o.startCh
		}

		pos = writeLine(out, o, pos)
		n++

		if o.betweenLines > 0 && n%10 == 0 {
			time.Sleep(o.betweenLines)
		}
		time.Sleep(o.betweenDelay)
	}

	time.Sleep(o.endDelay)
}
