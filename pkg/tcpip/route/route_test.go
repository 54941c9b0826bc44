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

package route

import (
	"errors"
	"net/netip"
	"testing"

	"gvisor.dev/tcptab/pkg/tcpip"
)

func newTestTable() *Table {
	t := NewTable()
	t.AddAddress(1, netip.MustParseAddr("10.0.0.1"))
	t.AddAddress(2, netip.MustParseAddr("192.168.0.1"))
	t.SetRoutes([]Entry{
		{Destination: netip.MustParsePrefix("10.0.0.0/8"), NIC: 1},
		{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("192.168.0.254"), NIC: 2},
	})
	return t
}

func TestResolve(t *testing.T) {
	tbl := newTestTable()
	for _, tc := range []struct {
		name      string
		nic       tcpip.NICID
		local     netip.Addr
		remote    netip.Addr
		wantNIC   tcpip.NICID
		wantLocal netip.Addr
		wantErr   error
	}{
		{
			name:      "longest prefix",
			remote:    netip.MustParseAddr("10.1.2.3"),
			wantNIC:   1,
			wantLocal: netip.MustParseAddr("10.0.0.1"),
		},
		{
			name:      "default route",
			remote:    netip.MustParseAddr("8.8.8.8"),
			wantNIC:   2,
			wantLocal: netip.MustParseAddr("192.168.0.1"),
		},
		{
			name:    "nic restricts routes",
			nic:     1,
			remote:  netip.MustParseAddr("8.8.8.8"),
			wantErr: tcpip.ErrNoRoute,
		},
		{
			name:    "unknown local address",
			local:   netip.MustParseAddr("10.9.9.9"),
			remote:  netip.MustParseAddr("10.1.2.3"),
			wantErr: tcpip.ErrBadLocalAddress,
		},
		{
			name:    "no v6 route",
			remote:  netip.MustParseAddr("fe80::1"),
			wantErr: tcpip.ErrNoRoute,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := tbl.Resolve(tc.nic, tc.local, tc.remote)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Resolve = %v, want %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if h.NIC != tc.wantNIC || h.LocalAddress != tc.wantLocal {
				t.Errorf("got route nic %d local %s, want nic %d local %s", h.NIC, h.LocalAddress, tc.wantNIC, tc.wantLocal)
			}
		})
	}
}

func TestInvalidate(t *testing.T) {
	tbl := newTestTable()
	h, err := tbl.Resolve(0, netip.Addr{}, netip.MustParseAddr("8.8.8.8"))
	if err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if !h.Valid() {
		t.Fatalf("fresh handle is not valid")
	}
	if got, err := h.Revalidate(); err != nil || got != h {
		t.Errorf("Revalidate of a valid handle = (%p, %v), want (%p, nil)", got, err, h)
	}

	tbl.SetRoutes([]Entry{{Destination: netip.MustParsePrefix("8.0.0.0/8"), NIC: 1}})
	if h.Valid() {
		t.Fatalf("handle still valid after SetRoutes")
	}
	if _, err := h.Revalidate(); !errors.Is(err, tcpip.ErrNoRoute) {
		t.Errorf("Revalidate after moving the route = %v, want %v", err, tcpip.ErrNoRoute)
	}
	if !Static(1, h.LocalAddress, h.RemoteAddress).Valid() {
		t.Errorf("static handle is not valid")
	}
}
