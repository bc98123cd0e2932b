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

// Command aimant tails a log file, forwards bytes to a sink program, and
// rotates the log once it grows past a byte threshold, signalling the
// producer so it reopens its file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aimant/aimant/internal/alog"
	"github.com/aimant/aimant/internal/config"
	"github.com/aimant/aimant/internal/engine"
	"github.com/aimant/aimant/internal/pidfile"
	"github.com/aimant/aimant/internal/procsup"
	"github.com/aimant/aimant/internal/singleton"
	"github.com/aimant/aimant/internal/tailer"
)

// runAsTailChild detects the hidden re-exec flags tap.Open passes
// and, when present, runs the tail loop body instead of the daemon proper.
// This is what makes the tail children genuine OS processes rather than
// in-process goroutines, the same separation of concerns the original
// gave its forked tail0/tail_fn0 children.
func runAsTailChild(argv []string) bool {
	fs := flag.NewFlagSet(argv[0], flag.ExitOnError)
	tailFile := fs.String("internal-tail-file", "", "")
	seekEnd := fs.Bool("internal-tail-seek-end", false, "")
	// Tolerate unknown flags by ignoring parse errors silently is unsafe;
	// instead we only recognize our own two flags up front.
	found := false
	for _, a := range argv[1:] {
		if len(a) > len("-internal-tail-file=") && a[:len("-internal-tail-file=")] == "-internal-tail-file=" {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if err := fs.Parse(argv[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := tailer.Open(*tailFile, *seekEnd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

func main() {
	if runAsTailChild(os.Args) {
		return
	}

	cfg, err := config.Parse(os.Args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	alog.SetLevel(cfg.Debug)

	guard, err := singleton.Acquire(cfg.LogFile)
	if err != nil {
		alog.Errorf("failed to acquire single-instance lock: %v", err)
		os.Exit(1)
	}
	defer guard.Release()

	pid, err := pidfile.Read(cfg.PidFile)
	if err != nil {
		alog.Errorf("failed to read pid file: %v", err)
		os.Exit(1)
	}

	table := procsup.NewTable()
	e, err := engine.New(engine.Config{
		InputPath:     cfg.LogFile,
		PidToSignal:   pid,
		CountToRotate: cfg.CountToRotate,
		ExitOnTimeout: cfg.ExitOnTimeout,
		SinkArgv:      []string{cfg.SvlogdPath, "-ttt", "."},
	}, table)
	if err != nil {
		alog.Errorf("failed to start engine: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-sig
		alog.Infof("received %v, shutting down", s)
		e.Close()
		os.Exit(0)
	}()

	runErr := e.Run()
	if closeErr := e.Close(); closeErr != nil {
		alog.Warningf("cleanup error: %v", closeErr)
	}
	if runErr != nil {
		alog.Errorf("engine stopped: %v", runErr)
		os.Exit(1)
	}
}
