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

package header_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tcptab/pkg/tcpip/header"
)

func TestTCPFlags(t *testing.T) {
	for _, tt := range []struct {
		flags header.TCPFlags
		want  string
	}{
		{header.TCPFlagFin, "F     "},
		{header.TCPFlagSyn, " S    "},
		{header.TCPFlagRst, "  R   "},
		{header.TCPFlagPsh, "   P  "},
		{header.TCPFlagAck, "    A "},
		{header.TCPFlagUrg, "     U"},
		{header.TCPFlagSyn | header.TCPFlagAck, " S  A "},
		{header.TCPFlagFin | header.TCPFlagAck, "F   A "},
	} {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("got TCPFlags(%#b).String() = %s, want = %s", tt.flags, got, tt.want)
		}
	}
}

func TestEncodeParse(t *testing.T) {
	for _, tc := range []struct {
		name     string
		src, dst netip.Addr
		fields   header.TCPFields
		wantSyn  header.TCPSynOptions
		wantOpts header.TCPOptions
	}{
		{
			name: "syn with every option",
			src:  netip.MustParseAddr("10.0.0.1"),
			dst:  netip.MustParseAddr("10.0.0.2"),
			fields: header.TCPFields{
				SrcPort:    1234,
				DstPort:    80,
				SeqNum:     100,
				Flags:      header.TCPFlagSyn,
				WindowSize: 65535,
				Syn: &header.TCPSynOptions{
					MSS:           1460,
					WS:            7,
					TS:            true,
					TSVal:         11,
					TSEcr:         0,
					SACKPermitted: true,
				},
			},
			wantSyn:  header.TCPSynOptions{MSS: 1460, WS: 7, TS: true, TSVal: 11, SACKPermitted: true},
			wantOpts: header.TCPOptions{TS: true, TSVal: 11},
		},
		{
			name: "syn-ack v6 without options",
			src:  netip.MustParseAddr("fe80::1"),
			dst:  netip.MustParseAddr("fe80::2"),
			fields: header.TCPFields{
				SrcPort: 80,
				DstPort: 1234,
				SeqNum:  5000,
				AckNum:  101,
				Flags:   header.TCPFlagSyn | header.TCPFlagAck,
				Syn:     &header.TCPSynOptions{WS: -1},
			},
			wantSyn: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1},
		},
		{
			name: "ack with timestamp and payload",
			src:  netip.MustParseAddr("192.168.1.1"),
			dst:  netip.MustParseAddr("192.168.1.2"),
			fields: header.TCPFields{
				SrcPort: 1,
				DstPort: 2,
				SeqNum:  3,
				AckNum:  4,
				Flags:   header.TCPFlagAck | header.TCPFlagPsh,
				TS:      &header.TCPOptions{TS: true, TSVal: 9, TSEcr: 8},
				Payload: []byte("hello"),
			},
			wantSyn:  header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1, TS: true, TSVal: 9, TSEcr: 8},
			wantOpts: header.TCPOptions{TS: true, TSVal: 9, TSEcr: 8},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := header.EncodeTCP(tc.src, tc.dst, tc.fields)
			if err != nil {
				t.Fatalf("EncodeTCP = %v", err)
			}
			if !header.TCPChecksumValid(tc.src, tc.dst, b) {
				t.Errorf("TCPChecksumValid = false for an encoded segment")
			}
			corrupt := append([]byte{}, b...)
			corrupt[4] ^= 0x10
			if header.TCPChecksumValid(tc.src, tc.dst, corrupt) {
				t.Errorf("TCPChecksumValid = true for a corrupted segment")
			}
			got, err := header.ParseTCP(b)
			if err != nil {
				t.Fatalf("ParseTCP = %v", err)
			}
			if got.SrcPort != tc.fields.SrcPort || got.DstPort != tc.fields.DstPort || got.SeqNum != tc.fields.SeqNum || got.AckNum != tc.fields.AckNum || got.Flags != tc.fields.Flags || got.WindowSize != tc.fields.WindowSize {
				t.Errorf("got header %s, want %+v", got.Describe(), tc.fields)
			}
			if diff := cmp.Diff(tc.wantSyn, got.Syn); diff != "" {
				t.Errorf("Syn options mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantOpts, got.Options); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(string(tc.fields.Payload), string(got.Payload)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := header.ParseTCP(make([]byte, 10)); !errors.Is(err, header.ErrMalformedTCP) {
		t.Errorf("ParseTCP(short) = %v, want %v", err, header.ErrMalformedTCP)
	}
	b, err := header.EncodeTCP(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), header.TCPFields{Flags: header.TCPFlagAck})
	if err != nil {
		t.Fatalf("EncodeTCP = %v", err)
	}
	// Data offset beyond the segment.
	b[12] = 0xf0
	if _, err := header.ParseTCP(b); !errors.Is(err, header.ErrMalformedTCP) {
		t.Errorf("ParseTCP(bad offset) = %v, want %v", err, header.ErrMalformedTCP)
	}
	if _, err := header.EncodeTCP(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("fe80::1"), header.TCPFields{}); err == nil {
		t.Errorf("EncodeTCP with mixed families succeeded")
	}
}
