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

package tcpip

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestStatsFillIn(t *testing.T) {
	s := Stats{}.FillIn()
	var names []string
	s.Visit(func(name string, c *StatCounter) {
		if c == nil {
			t.Errorf("%s is nil after FillIn", name)
		}
		names = append(names, name)
	})
	if len(names) == 0 {
		t.Fatalf("Visit saw no counters")
	}
	if names[0] != "UnknownPortRcvdPackets" {
		t.Errorf("got first counter %q, want UnknownPortRcvdPackets", names[0])
	}
	s.TCP.ResetsSent.Increment()
	s.TCP.ResetsSent.IncrementBy(2)
	s.TCP.CurrentEstablished.Increment()
	s.TCP.CurrentEstablished.Decrement()
	if got, want := s.TCP.ResetsSent.Value(), uint64(3); got != want {
		t.Errorf("got ResetsSent = %d, want %d", got, want)
	}
	if got := s.TCP.CurrentEstablished.Value(); got != 0 {
		t.Errorf("got CurrentEstablished = %d, want 0", got)
	}
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{ErrPortInUse, unix.EADDRINUSE},
		{fmt.Errorf("connect: %w", ErrTimeout), unix.ETIMEDOUT},
		{ErrResourceExhausted, unix.ENOBUFS},
		{ErrProtocolViolation, unix.EPROTO},
		{errors.New("other"), unix.EIO},
		{nil, 0},
	} {
		if got := ErrnoOf(tc.err); got != tc.want {
			t.Errorf("ErrnoOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestControlError(t *testing.T) {
	got := []*Error{
		ControlError(ControlNoRoute),
		ControlError(ControlNetworkUnreachable),
		ControlError(ControlHostUnreachable),
		ControlError(ControlTimedOut),
	}
	want := []*Error{ErrNoRoute, ErrNetworkUnreachable, ErrHostUnreachable, ErrTimeout}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ControlError #%d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFullAddressString(t *testing.T) {
	for _, tc := range []struct {
		addr FullAddress
		want string
	}{
		{FullAddress{Port: 80}, "*:80"},
		{FullAddress{Addr: netip.MustParseAddr("10.0.0.1"), Port: 22}, "10.0.0.1:22"},
		{FullAddress{NIC: 2, Addr: netip.MustParseAddr("10.0.0.1"), Port: 22}, "10.0.0.1:22%2"},
	} {
		if diff := cmp.Diff(tc.want, tc.addr.String()); diff != "" {
			t.Errorf("String() mismatch (-want +got):\n%s", diff)
		}
	}
}
