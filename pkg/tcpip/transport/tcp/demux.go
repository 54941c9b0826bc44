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
	"net/netip"

	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
)

// HandleSegment is called by the network layer for every TCP segment
// received on nic from src to dst. b holds the TCP header and payload; the
// protocol takes ownership of it.
//
// It never blocks on a connection owned by a caller: such segments are
// deferred to the connection's backlog.
func (p *Protocol) HandleSegment(nic tcpip.NICID, src, dst netip.Addr, b []byte) {
	src, dst = src.Unmap(), dst.Unmap()
	if !p.opts.SkipChecksumValidation && !header.TCPChecksumValid(src, dst, b) {
		p.stats.TCP.InvalidSegmentsReceived.Increment()
		return
	}
	hdr, err := header.ParseTCP(b)
	if err != nil {
		p.stats.TCP.InvalidSegmentsReceived.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: dropping segment from %s: %v", src, err)
		}
		return
	}
	p.stats.TCP.ValidSegmentsReceived.Increment()
	if hdr.Flags.Contains(header.TCPFlagRst) {
		p.stats.TCP.ResetsReceived.Increment()
	}

	s := &segment{
		nic: nic,
		id: tcpip.TransportEndpointID{
			LocalPort:     hdr.DstPort,
			LocalAddress:  dst,
			RemotePort:    hdr.SrcPort,
			RemoteAddress: src,
		},
		hdr:      hdr,
		rcvdTime: p.clock.NowMonotonic(),
	}
	p.dispatch(s)
}

// dispatch delivers s to its connection, its TIME_WAIT record or the best
// matching listener, in that order.
func (p *Protocol) dispatch(s *segment) {
	for attempt := 0; attempt < 2; attempt++ {
		e, tw := p.ehash.lookup(s.id, s.nic)
		if e != nil {
			e.deliver(s)
			e.decRef()
			return
		}
		if tw == nil {
			break
		}
		iss, recycle, gone := p.handleTimeWaitSegment(tw, s)
		tw.decRef()
		if gone {
			// Expired or recycled concurrently; look again.
			continue
		}
		if !recycle {
			return
		}
		s.recycled = true
		s.recycledISS = iss
		break
	}

	l := p.listenTab.lookup(s.id.LocalAddress, s.id.LocalPort, s.nic)
	if l == nil {
		p.stats.UnknownPortRcvdPackets.Increment()
		p.replyWithReset(s)
		return
	}
	l.handleSegment(s)
	l.decRef()
}

// HandleControlPacket is called by the network layer when an error about a
// segment sent for id is received on nic.
func (p *Protocol) HandleControlPacket(nic tcpip.NICID, id tcpip.TransportEndpointID, ct tcpip.ControlType) {
	id.LocalAddress = id.LocalAddress.Unmap()
	id.RemoteAddress = id.RemoteAddress.Unmap()
	e, tw := p.ehash.lookup(id, nic)
	if e != nil {
		e.handleControl(ct)
		e.decRef()
		return
	}
	if tw != nil {
		tw.decRef()
		return
	}
	if l := p.listenTab.lookup(id.LocalAddress, id.LocalPort, nic); l != nil {
		l.handleControl(id, ct)
		l.decRef()
	}
}
