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

// Package tailer implements the cat-tap child's body: open a file, read it
// in 1MiB chunks, forward every byte to stdout, and back off on EOF instead
// of returning. cmd/aimant re-execs itself with the hidden
// "-internal-tail-file"/"-internal-tail-seek-end" flags to run exactly this
// loop as a genuine child process,
// the same separation of concerns as the original's forked tail0/tail_fn0.
package tailer

import (
	"io"
	"os"
	"time"
)

const chunkSize = 1 << 20 // 1MiB, matching tail0loop's buf[0x100000]

// eofBackoff mirrors tail0loop's escalating sleep schedule: 5ms per
// consecutive EOF up to 20, then a flat 100ms up to 100, then 250ms.
func eofBackoff(eofCount int) time.Duration {
	switch {
	case eofCount >= 100:
		return 250 * time.Millisecond
	case eofCount >= 20:
		return 100 * time.Millisecond
	default:
		return time.Duration(eofCount) * 5 * time.Millisecond
	}
}

// Loop reads from in and writes every byte read to out, retrying
// indefinitely across EOF with the backoff schedule above. It returns only
// on a genuine read or write error.
func Loop(in io.Reader, out io.Writer) error {
	buf := make([]byte, chunkSize)
	eofCount := 0
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			eofCount = 0
			continue
		}
		if err == io.EOF || err == nil {
			eofCount++
			time.Sleep(eofBackoff(eofCount))
			continue
		}
		return err
	}
}

// Open opens path read-only, optionally seeking to end of file, and runs
// Loop against os.Stdout. This is the body cmd/aimant runs when re-exec'd
// as a tail child.
func Open(path string, seekEnd bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}

	return Loop(f, os.Stdout)
}
