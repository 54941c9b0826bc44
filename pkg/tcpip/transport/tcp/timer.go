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

package tcp

import (
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
)

type timerState int

const (
	timerStateDisabled timerState = iota
	timerStateEnabled
	timerStateOrphaned
)

// timer is a timer implementation that reduces the interactions with the
// clock's timer infrastructure by letting timers run (and potentially
// eventually expire) even if they are stopped. It makes it cheaper to
// disable/reenable timers at the expense of spurious wakes. This is useful for
// cases when the same timer is disabled/reenabled repeatedly with relatively
// long timeouts farther into the future.
//
// Control segment retransmit timers benefit from this because the timeouts
// are long (at least TimeoutInit), and get disabled when acks are received,
// and reenabled when a SYN or FIN is sent again.
//
// This struct is thread-compatible: the owning endpoint's mutex protects it.
type timer struct {
	clock tcpip.Clock

	// state is the current state of the timer, it can be one of the
	// following values:
	//     disabled - the timer is disabled.
	//     orphaned - the timer is disabled, but the clock timer is
	//                enabled, which means that it will evetually cause a
	//                spurious wake (unless it gets enabled again before
	//                then).
	//     enabled  - the timer is enabled, but the clock timer may be set
	//                to an earlier expiration time due to a previous
	//                orphaned state.
	state timerState

	// target is the expiration time of the current timer. It is only
	// meaningful in the enabled state.
	target tcpip.MonotonicTime

	// clockTarget is the expiration time of the clock timer. It is
	// meaningful in the enabled and orphaned states.
	clockTarget tcpip.MonotonicTime

	// timer is the clock timer used to wait on.
	timer tcpip.Timer
}

// init initializes the timer. Once it expires, f is called. f must call
// checkExpiration with the owner's lock held to filter spurious wakes.
func (t *timer) init(clock tcpip.Clock, f func()) {
	t.clock = clock
	t.state = timerStateDisabled

	// Initialize a clock timer that will call f, then immediately stop
	// it.
	t.timer = clock.AfterFunc(time.Hour, f)
	t.timer.Stop()
}

// cleanup frees all resources associated with the timer.
func (t *timer) cleanup() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = timerStateDisabled
}

// checkExpiration checks if the given timer has actually expired, it should be
// called whenever the callback runs, and is used to check if it's a spurious
// wake (due to a previously orphaned timer) or a legitimate one.
func (t *timer) checkExpiration() bool {
	// Transition to fully disabled state if we're just consuming an
	// orphaned timer.
	if t.state == timerStateOrphaned {
		t.state = timerStateDisabled
		return false
	}
	if t.state == timerStateDisabled {
		return false
	}

	// The timer is enabled, but it may have expired early. Check if that's
	// the case, and if so, reset the clock timer to the correct time.
	now := t.clock.NowMonotonic()
	if now.Before(t.target) {
		t.clockTarget = t.target
		t.timer.Reset(t.target.Sub(now))
		return false
	}

	// The timer has actually expired, disable it for now and inform the
	// caller.
	t.state = timerStateDisabled
	return true
}

// disable disables the timer, leaving it in an orphaned state if it wasn't
// already disabled.
func (t *timer) disable() {
	if t.state != timerStateDisabled {
		t.state = timerStateOrphaned
	}
}

// enabled returns true if the timer is currently enabled, false otherwise.
func (t *timer) enabled() bool {
	return t.state == timerStateEnabled
}

// remaining returns the time left before an enabled timer expires.
func (t *timer) remaining() time.Duration {
	if t.state != timerStateEnabled {
		return 0
	}
	if d := t.target.Sub(t.clock.NowMonotonic()); d > 0 {
		return d
	}
	return 0
}

// enable enables the timer, programming the clock timer if necessary.
func (t *timer) enable(d time.Duration) {
	t.target = t.clock.NowMonotonic().Add(d)

	// Check if we need to set the clock timer.
	if t.state == timerStateDisabled || t.target.Before(t.clockTarget) {
		t.clockTarget = t.target
		t.timer.Reset(d)
	}

	t.state = timerStateEnabled
}
