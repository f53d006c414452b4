// Copyright 2024 The HeavenOS Authors.
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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testElement struct {
	Entry[testElement]
	value int
}

type testList = List[testElement, *testElement]

func values(l *testList) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.value)
	}
	return vs
}

func newElements(n int) []*testElement {
	es := make([]*testElement, n)
	for i := range es {
		es[i] = &testElement{value: i}
	}
	return es
}

func TestPushAndRemove(t *testing.T) {
	es := newElements(4)
	var l testList
	if !l.Empty() {
		t.Fatalf("zero list is not empty")
	}
	l.PushBack(es[1])
	l.PushBack(es[2])
	l.PushFront(es[0])
	l.PushBack(es[3])
	if diff := cmp.Diff([]int{0, 1, 2, 3}, values(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	// Splice out of the middle, the head and the tail.
	l.Remove(es[2])
	l.Remove(es[0])
	l.Remove(es[3])
	if diff := cmp.Diff([]int{1}, values(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if l.Front() != es[1] || l.Back() != es[1] {
		t.Errorf("head/tail not updated after removals")
	}
	if es[2].Next() != nil || es[2].Prev() != nil {
		t.Errorf("removed element still linked")
	}
}

func TestPopFront(t *testing.T) {
	es := newElements(3)
	var l testList
	for _, e := range es {
		l.PushFront(e)
	}
	var got []int
	for e := l.PopFront(); e != nil; e = l.PopFront() {
		got = append(got, e.value)
	}
	if diff := cmp.Diff([]int{2, 1, 0}, got); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
	if !l.Empty() || l.Len() != 0 {
		t.Errorf("list not empty after popping everything")
	}
}

func TestInsert(t *testing.T) {
	es := newElements(5)
	var l testList
	l.PushBack(es[0])
	l.PushBack(es[4])
	l.InsertAfter(es[0], es[2])
	l.InsertBefore(es[2], es[1])
	l.InsertAfter(es[2], es[3])
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if got := l.Len(); got != 5 {
		t.Errorf("Len() = %d, want 5", got)
	}
	l.Reset()
	if !l.Empty() {
		t.Errorf("list not empty after Reset")
	}
}
