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

package channel

import (
	"errors"
	"net/netip"
	"testing"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/route"
)

type countingNotify struct {
	n int
}

func (c *countingNotify) WriteNotify() {
	c.n++
}

func TestWriteSegment(t *testing.T) {
	e := New(1)
	defer e.Close()
	n := &countingNotify{}
	h := e.AddNotify(n)

	local, remote := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	seg, err := header.EncodeTCP(local, remote, header.TCPFields{SrcPort: 1, DstPort: 2, Flags: header.TCPFlagRst})
	if err != nil {
		t.Fatalf("EncodeTCP = %v", err)
	}
	r := route.Static(3, local, remote)
	if err := e.WriteSegment(r, seg); err != nil {
		t.Fatalf("WriteSegment = %v", err)
	}
	if err := e.WriteSegment(r, seg); !errors.Is(err, tcpip.ErrResourceExhausted) {
		t.Errorf("WriteSegment on a full queue = %v, want %v", err, tcpip.ErrResourceExhausted)
	}
	if n.n != 1 {
		t.Errorf("got %d notifications, want 1", n.n)
	}
	e.RemoveNotify(h)

	p, ok := e.Read()
	if !ok {
		t.Fatalf("Read found no packet")
	}
	if p.NIC != 3 || p.Local != local || p.Remote != remote {
		t.Errorf("got packet %+v, want nic 3 from %s to %s", p, local, remote)
	}
	tcp, err := p.TCP()
	if err != nil {
		t.Fatalf("TCP() = %v", err)
	}
	if !tcp.Flags.Contains(header.TCPFlagRst) {
		t.Errorf("got flags %s, want RST", tcp.Flags)
	}
	if got := e.Drain(); got != 0 {
		t.Errorf("got Drain() = %d, want 0", got)
	}
}
