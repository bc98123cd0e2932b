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

package queue

import "testing"

func TestFIFOOrder(t *testing.T) {
	q := New()
	q.Push(SourceStdin, []byte("a"))
	q.Push(SourceStdin, []byte("b"))
	q.Push(SourceStdin, []byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		r := q.Pop()
		if r == nil || string(r.Data) != want {
			t.Fatalf("Pop() = %v, want %q", r, want)
		}
	}
	if q.Pop() != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestInterleavedPushPop(t *testing.T) {
	q := New()
	q.Push(SourceStdin, []byte("1"))
	if r := q.Pop(); string(r.Data) != "1" {
		t.Fatalf("got %v", r)
	}
	q.Push(SourceStdin, []byte("2"))
	q.Push(SourceStdin, []byte("3"))
	if r := q.Pop(); string(r.Data) != "2" {
		t.Fatalf("got %v", r)
	}
	q.Push(SourceStdin, []byte("4"))
	for _, want := range []string{"3", "4"} {
		r := q.Pop()
		if string(r.Data) != want {
			t.Fatalf("got %v, want %q", r, want)
		}
	}
}

func TestPushFrontRequeuesPartialWrite(t *testing.T) {
	q := New()
	q.Push(SourceCurrent, []byte("xyz"))
	r := q.Pop()
	r.Cursor = 1
	q.PushFront(r)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	got := q.Pop()
	if string(got.Remaining()) != "yz" {
		t.Fatalf("Remaining() = %q, want %q", got.Remaining(), "yz")
	}
}

func TestLenTracksPushPop(t *testing.T) {
	q := New()
	if !q.IsEmpty() {
		t.Fatalf("expected new queue empty")
	}
	q.Push(SourceStdin, []byte("a"))
	q.Push(SourceStdin, []byte("b"))
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestSequenceIsMonotone(t *testing.T) {
	q := New()
	r1 := q.Push(SourceStdin, []byte("a"))
	r2 := q.Push(SourceStdin, []byte("b"))
	if r2.Seq <= r1.Seq {
		t.Fatalf("expected monotone sequence, got %d then %d", r1.Seq, r2.Seq)
	}
}
