// Copyright 2018 The gVisor Authors.
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

package seqnum

import "testing"

func TestLessThanWraps(t *testing.T) {
	for _, tc := range []struct {
		v, w Value
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{0xffffffff, 0, true},
		{0, 0xffffffff, false},
		{0x7fffffff, 0x80000000, true},
	} {
		if got := tc.v.LessThan(tc.w); got != tc.want {
			t.Errorf("%d.LessThan(%d) = %t, want %t", tc.v, tc.w, got, tc.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	first := Value(0xfffffff0)
	if !Value(5).InWindow(first, 0x20) {
		t.Errorf("5 should be inside window starting at %#x of size 0x20", first)
	}
	if Value(0x10).InWindow(first, 0x20) {
		t.Errorf("0x10 should be outside window starting at %#x of size 0x20", first)
	}
	if got, want := first.Size(first.Add(0x20)), Size(0x20); got != want {
		t.Errorf("got Size = %d, want %d", got, want)
	}
	v := first
	v.UpdateForward(0x11)
	if v != 1 {
		t.Errorf("got UpdateForward result %d, want 1", v)
	}
}
