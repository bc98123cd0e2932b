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

// Package strbuf implements a growable owned byte buffer with the same
// copy/append/shift vocabulary as the daemon's original string primitive,
// ported to Go slices instead of a manually managed allocation.
package strbuf

import (
	"fmt"
	"os"
	"time"
)

// Buffer is a growable byte buffer under exclusive ownership of its holder;
// it is not safe for concurrent use, matching the single-writer discipline
// the rest of the daemon relies on.
type Buffer struct {
	b []byte
}

// New returns an empty buffer with no initial allocation.
func New() *Buffer { return &Buffer{} }

// grow ensures capacity for n total bytes, using the same geometric slack
// (roughly +12.5% plus a constant) as the original allocator.
func (b *Buffer) grow(n int) {
	if cap(b.b) >= n {
		return
	}
	newCap := n + n/8 + 64
	nb := make([]byte, len(b.b), newCap)
	copy(nb, b.b)
	b.b = nb
}

// Bytes returns the buffer's current contents. The slice aliases the
// buffer's storage and is invalidated by the next mutating call.
func (b *Buffer) Bytes() []byte { return b.b }

// String returns a copy of the buffer's contents as a string.
func (b *Buffer) String() string { return string(b.b) }

// Len reports the number of bytes currently held.
func (b *Buffer) Len() int { return len(b.b) }

// IsEmpty reports whether the buffer holds no bytes.
func (b *Buffer) IsEmpty() bool { return len(b.b) == 0 }

// Reset truncates the buffer to zero length without releasing capacity.
func (b *Buffer) Reset() { b.b = b.b[:0] }

// Copy replaces the buffer's contents with p.
func (b *Buffer) Copy(p []byte) {
	b.grow(len(p))
	b.b = append(b.b[:0], p...)
}

// CopyString replaces the buffer's contents with s.
func (b *Buffer) CopyString(s string) {
	b.grow(len(s))
	b.b = append(b.b[:0], s...)
}

// CopyByte replaces the buffer's contents with the single byte c.
func (b *Buffer) CopyByte(c byte) {
	b.grow(1)
	b.b = append(b.b[:0], c)
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.grow(len(b.b) + len(p))
	b.b = append(b.b, p...)
}

// AppendString appends s to the buffer.
func (b *Buffer) AppendString(s string) {
	b.grow(len(b.b) + len(s))
	b.b = append(b.b, s...)
}

// AppendByte appends the single byte c to the buffer.
func (b *Buffer) AppendByte(c byte) {
	b.grow(len(b.b) + 1)
	b.b = append(b.b, c)
}

// Printf replaces the buffer's contents with a formatted string.
func (b *Buffer) Printf(format string, args ...interface{}) {
	b.CopyString(fmt.Sprintf(format, args...))
}

// AppendPrintf appends a formatted string to the buffer.
func (b *Buffer) AppendPrintf(format string, args ...interface{}) {
	b.AppendString(fmt.Sprintf(format, args...))
}

// AppendTime appends t formatted with layout, the Go equivalent of the
// original's strftime-based str_catftime.
func (b *Buffer) AppendTime(layout string, t time.Time) {
	b.AppendString(t.Format(layout))
}

// CopyTime replaces the buffer's contents with t formatted with layout.
func (b *Buffer) CopyTime(layout string, t time.Time) {
	b.CopyString(t.Format(layout))
}

// Upper upper-cases ASCII letters in place.
func (b *Buffer) Upper() {
	for i, c := range b.b {
		if c >= 'a' && c <= 'z' {
			b.b[i] = c - ('a' - 'A')
		}
	}
}

// Lower lower-cases ASCII letters in place.
func (b *Buffer) Lower() {
	for i, c := range b.b {
		if c >= 'A' && c <= 'Z' {
			b.b[i] = c + ('a' - 'A')
		}
	}
}

// resolveIndex maps a possibly-negative index the way the original does:
// negative values count back from len.
func (b *Buffer) resolveIndex(i int) int {
	if i < 0 {
		return len(b.b) + i
	}
	return i
}

// ShiftRight opens an n-byte gap at start within [start,end), expanding the
// buffer if end exceeds the current length, and fills the gap with pad.
func (b *Buffer) ShiftRight(start, end, n int, pad byte) {
	start = b.resolveIndex(start)
	end = b.resolveIndex(end)
	if end > len(b.b) {
		b.grow(end)
		old := len(b.b)
		b.b = b.b[:end]
		for i := old; i < end; i++ {
			b.b[i] = 0
		}
	}
	window := b.b[start:end]
	copy(window[n:], window[:len(window)-n])
	for i := 0; i < n; i++ {
		window[i] = pad
	}
}

// ShiftLeft closes an n-byte gap at start within [start,end), shifting bytes
// left and filling the vacated tail with pad.
func (b *Buffer) ShiftLeft(start, end, n int, pad byte) {
	start = b.resolveIndex(start)
	end = b.resolveIndex(end)
	window := b.b[start:end]
	copy(window, window[n:])
	for i := len(window) - n; i < len(window); i++ {
		window[i] = pad
	}
}

// Compare orders the buffer's contents against p the way the original's
// str_diffn does: shorter-prefix ties resolve by length.
func (b *Buffer) Compare(p []byte) int {
	n := len(b.b)
	if len(p) < n {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		if d := int(b.b[i]) - int(p[i]); d != 0 {
			return d
		}
	}
	return len(b.b) - len(p)
}

// LoadFile replaces the buffer's contents with the full contents of path.
func (b *Buffer) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("strbuf: load %s: %w", path, err)
	}
	b.b = data
	return nil
}
