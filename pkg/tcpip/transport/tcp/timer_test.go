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

package tcp

import (
	"testing"
	"time"

	"gvisor.dev/tcptab/pkg/tcpip/faketime"
)

func TestCleanup(t *testing.T) {
	const (
		timerDurationSeconds     = 2
		isAssertedTimeoutSeconds = timerDurationSeconds + 1
	)

	clock := faketime.NewManualClock()

	var tmr timer
	fired := false
	tmr.init(clock, func() {
		if tmr.checkExpiration() {
			fired = true
		}
	})
	tmr.enable(timerDurationSeconds * time.Second)
	tmr.cleanup()

	// The callback should not observe an expiration.
	for i := 0; i < isAssertedTimeoutSeconds; i++ {
		clock.Advance(time.Second)
		if fired {
			t.Fatalf("timer fired unexpectedly")
		}
	}
}

func TestOrphanedWake(t *testing.T) {
	clock := faketime.NewManualClock()

	var tmr timer
	fires := 0
	tmr.init(clock, func() {
		if tmr.checkExpiration() {
			fires++
		}
	})

	tmr.enable(time.Second)
	tmr.disable()
	clock.Advance(2 * time.Second)
	if fires != 0 {
		t.Fatalf("disabled timer fired %d times", fires)
	}

	// Re-enabling a later target leaves the clock timer armed for the
	// earlier one; the early wake must be absorbed.
	tmr.enable(time.Second)
	tmr.disable()
	tmr.enable(3 * time.Second)
	clock.Advance(time.Second)
	if fires != 0 {
		t.Fatalf("timer fired early")
	}
	if got, want := tmr.remaining(), 2*time.Second; got != want {
		t.Errorf("remaining() = %v, want %v", got, want)
	}
	clock.Advance(2 * time.Second)
	if fires != 1 {
		t.Fatalf("timer fired %d times, want 1", fires)
	}
}
