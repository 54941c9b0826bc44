// Copyright 2020 The gVisor Authors.
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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gvisor.dev/tcptab/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Now implements tcpip.Clock.Now.
func (*NullClock) Now() time.Time {
	return time.Time{}
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool          { return false }
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
type ManualClock struct {
	clock clockwork.FakeClock

	// origin is the fake clock's time at creation.
	origin time.Time

	// mu protects the fields below.
	mu sync.Mutex

	// timers is min-heap of pending timers keyed by deadline. A heap is used
	// for quick retrieval of the next upcoming work.
	timers timerHeap

	// seq orders timers with equal deadlines by scheduling order.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	origin := time.Unix(0, 0).UTC()
	return &ManualClock{
		clock:  clockwork.NewFakeClockAt(origin),
		origin: origin,
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	return mc.clock.Now()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicFromNanoseconds(int64(mc.elapsed()))
}

// elapsed returns the time advanced since the clock was created.
func (mc *ManualClock) elapsed() time.Duration {
	return mc.clock.Since(mc.origin)
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{clock: mc, f: f, index: -1}
	mc.mu.Lock()
	mc.scheduleLocked(t, d)
	mc.mu.Unlock()
	return t
}

// Pending returns the number of scheduled timers.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.timers.Len()
}

func (mc *ManualClock) scheduleLocked(t *manualTimer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.until = mc.elapsed() + d
	mc.seq++
	t.seq = mc.seq
	heap.Push(&mc.timers, t)
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all work has completed execution.
//
// Work runs on the calling goroutine in deadline order, with the clock moved
// to each deadline first. Callbacks may schedule further work; work that
// becomes due within the advanced interval runs in the same call.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.elapsed() + d
	for mc.timers.Len() > 0 && mc.timers[0].until <= until {
		t := heap.Pop(&mc.timers).(*manualTimer)
		if diff := t.until - mc.elapsed(); diff > 0 {
			mc.clock.Advance(diff)
		}
		f := t.f
		mc.mu.Unlock()
		f()
		mc.mu.Lock()
	}
	if diff := until - mc.elapsed(); diff > 0 {
		mc.clock.Advance(diff)
	}
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// Fields below are protected by clock.mu.
	until time.Duration
	seq   uint64
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&mc.timers, t.index)
	}
	mc.scheduleLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.timers, t.index)
	return true
}

type timerHeap []*manualTimer

var _ heap.Interface = (*timerHeap)(nil)

// Len implements heap.Interface.Len.
func (h timerHeap) Len() int {
	return len(h)
}

// Less implements heap.Interface.Less.
func (h timerHeap) Less(i, j int) bool {
	if h[i].until != h[j].until {
		return h[i].until < h[j].until
	}
	return h[i].seq < h[j].seq
}

// Swap implements heap.Interface.Swap.
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements heap.Interface.Push.
func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements heap.Interface.Pop.
func (h *timerHeap) Pop() any {
	last := (*h)[len(*h)-1]
	(*h)[len(*h)-1] = nil
	*h = (*h)[:len(*h)-1]
	last.index = -1
	return last
}
