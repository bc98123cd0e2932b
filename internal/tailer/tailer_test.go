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

package tailer

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestEofBackoffSchedule(t *testing.T) {
	cases := []struct {
		eofCount int
		want     time.Duration
	}{
		{1, 5 * time.Millisecond},
		{19, 95 * time.Millisecond},
		{20, 100 * time.Millisecond},
		{99, 100 * time.Millisecond},
		{100, 250 * time.Millisecond},
		{500, 250 * time.Millisecond},
	}
	for _, c := range cases {
		if got := eofBackoff(c.eofCount); got != c.want {
			t.Errorf("eofBackoff(%d) = %v, want %v", c.eofCount, got, c.want)
		}
	}
}

// stopAfterEOF returns its data on the first read, then reports io.EOF
// twice, then io.ErrClosedPipe; it lets the loop test exercise two backoff
// cycles before bailing out via a read error.
type stopAfterEOF struct {
	data  []byte
	read  bool
	stops int
}

func (r *stopAfterEOF) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		n := copy(p, r.data)
		return n, nil
	}
	r.stops++
	if r.stops > 2 {
		return 0, io.ErrClosedPipe
	}
	return 0, io.EOF
}

func TestLoopForwardsBytesThenRetriesOnEOF(t *testing.T) {
	src := &stopAfterEOF{data: []byte("hello")}
	var out bytes.Buffer
	err := Loop(src, &out)
	if err != io.ErrClosedPipe {
		t.Fatalf("Loop() error = %v, want io.ErrClosedPipe", err)
	}
	if got := out.String(); got != "hello" {
		t.Fatalf("out = %q, want %q", got, "hello")
	}
}
