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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 5, 64, 129} {
		b.Add(i)
	}
	b.Add(5)
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes() = %d, want 4", got)
	}
	b.Remove(64)
	b.Remove(63)
	if diff := cmp.Diff([]uint32{0, 5, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	if !b.Contains(129) || b.Contains(64) {
		t.Errorf("Contains reports wrong membership")
	}
}

func TestFlip(t *testing.T) {
	b := New(64)
	if !b.Flip(7) {
		t.Errorf("first Flip(7) should set the bit")
	}
	if b.Flip(7) {
		t.Errorf("second Flip(7) should clear the bit")
	}
	if !b.IsEmpty() {
		t.Errorf("bitmap should be empty after flipping twice")
	}
}

func TestFromWords(t *testing.T) {
	words := []uint64{0b1010, 0, 1}
	b := FromWords(words)
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
	b.Add(65)
	if words[1] != 0b10 {
		t.Errorf("Add did not write through to the backing words: %#x", words[1])
	}
	if bit, err := b.FirstOne(4); err != nil || bit != 65 {
		t.Errorf("FirstOne(4) = %d, %v, want 65, nil", bit, err)
	}
	if got := WordsFor(129); got != 3 {
		t.Errorf("WordsFor(129) = %d, want 3", got)
	}
}
