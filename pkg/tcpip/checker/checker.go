// Copyright 2021 The gVisor Authors.
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

// Package checker provides helper functions to check TCP segments for
// validity.
package checker

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// TransportChecker is a function to check a property of a TCP segment.
type TransportChecker func(*testing.T, *header.TCP)

// TCP checks the validity and properties of the given segment sent from src
// to dst. It is expected to be used in conjunction with other checkers for
// specific properties. For example, to check the flags and the sequence
// number, one would call:
//
// checker.TCP(t, src, dst, b, checker.TCPFlags(x), checker.TCPSeqNum(y))
func TCP(t *testing.T, src, dst netip.Addr, b []byte, checkers ...TransportChecker) header.TCP {
	t.Helper()

	if !header.TCPChecksumValid(src, dst, b) {
		t.Errorf("Bad checksum for segment %s -> %s", src, dst)
	}
	tcp, err := header.ParseTCP(b)
	if err != nil {
		t.Fatalf("ParseTCP: %v", err)
	}
	for _, f := range checkers {
		f(t, &tcp)
	}
	if t.Failed() {
		t.FailNow()
	}
	return tcp
}

// SrcPort creates a checker that checks the source port.
func SrcPort(port uint16) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if p := h.SrcPort; p != port {
			t.Errorf("Bad source port, got = %d, want = %d", p, port)
		}
	}
}

// DstPort creates a checker that checks the destination port.
func DstPort(port uint16) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if p := h.DstPort; p != port {
			t.Errorf("Bad destination port, got = %d, want = %d", p, port)
		}
	}
}

// TCPSeqNum creates a checker that checks the sequence number.
func TCPSeqNum(seq seqnum.Value) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if s := h.SeqNum; s != seq {
			t.Errorf("Bad sequence number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPAckNum creates a checker that checks the ack number.
func TCPAckNum(seq seqnum.Value) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if s := h.AckNum; s != seq {
			t.Errorf("Bad ack number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPWindow creates a checker that checks the tcp window.
func TCPWindow(window uint16) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if w := h.WindowSize; w != window {
			t.Errorf("Bad window, got %d, want %d", w, window)
		}
	}
}

// TCPFlags creates a checker that checks the tcp flags.
func TCPFlags(flags header.TCPFlags) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if got := h.Flags; got != flags {
			t.Errorf("got tcp.Flags() = %s, want %s", got, flags)
		}
	}
}

// TCPFlagsMatch creates a checker that checks that the tcp flags, masked by the
// given mask, match the supplied flags.
func TCPFlagsMatch(flags, mask header.TCPFlags) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if got := h.Flags; (got & mask) != (flags & mask) {
			t.Errorf("got tcp.Flags() = %s, want %s, mask %s", got, flags, mask)
		}
	}
}

// TCPSynOptions creates a checker that checks the options of SYN segments.
// TSVal and TSEcr are only compared if non-zero.
func TCPSynOptions(wantOpts header.TCPSynOptions) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		got := h.Syn
		if wantOpts.TSVal == 0 {
			got.TSVal = 0
		}
		if wantOpts.TSEcr == 0 {
			got.TSEcr = 0
		}
		if diff := cmp.Diff(wantOpts, got); diff != "" {
			t.Errorf("SYN options mismatch (-want +got):\n%s", diff)
		}
		if h.Syn.TS && h.Syn.TSVal == 0 {
			t.Error("TS option specified but the timestamp value is zero")
		}
	}
}

// TCPTimestampChecker creates a checker that validates that a TCP segment has a
// TCP Timestamp option if wantTS is true, it also compares the wantTSVal and
// wantTSEcr values with those in the TCP segment (if present).
//
// If wantTSVal or wantTSEcr is zero then the corresponding comparison is
// skipped.
func TCPTimestampChecker(wantTS bool, wantTSVal uint32, wantTSEcr uint32) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		o := h.Options
		if wantTS != o.TS {
			t.Errorf("TS Option mismatch, got TS= %t, want TS= %t", o.TS, wantTS)
		}
		if wantTS && wantTSVal != 0 && wantTSVal != o.TSVal {
			t.Errorf("Timestamp value is incorrect, got = %d, want = %d", o.TSVal, wantTSVal)
		}
		if wantTS && wantTSEcr != 0 && o.TSEcr != wantTSEcr {
			t.Errorf("Timestamp Echo Reply is incorrect, got = %d, want = %d", o.TSEcr, wantTSEcr)
		}
	}
}

// Payload creates a checker that checks the payload.
func Payload(want []byte) TransportChecker {
	return func(t *testing.T, h *header.TCP) {
		t.Helper()

		if diff := cmp.Diff(want, h.Payload); diff != "" {
			t.Errorf("Payload mismatch (-want +got):\n%s", diff)
		}
	}
}
