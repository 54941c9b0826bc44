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
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// sendTCP builds a segment for id and hands it to the link. Send errors are
// counted and returned but never change connection state.
func (p *Protocol) sendTCP(r *route.Handle, id tcpip.TransportEndpointID, f header.TCPFields) error {
	f.SrcPort = id.LocalPort
	f.DstPort = id.RemotePort
	b, err := header.EncodeTCP(id.LocalAddress, id.RemoteAddress, f)
	if err != nil {
		p.stats.TCP.SegmentSendErrors.Increment()
		return err
	}
	if err := p.link.WriteSegment(r, b); err != nil {
		p.stats.TCP.SegmentSendErrors.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: dropping %s segment for %s: %v", f.Flags, id, err)
		}
		return err
	}
	p.stats.TCP.SegmentsSent.Increment()
	if f.Flags.Contains(header.TCPFlagRst) {
		p.stats.TCP.ResetsSent.Increment()
	}
	return nil
}

// replyWithReset replies to s with a RST, as described in RFC 793 page 36:
// if the segment carried an ACK the reset takes its sequence number from it,
// otherwise the reset acknowledges the segment. A RST is never answered.
func (p *Protocol) replyWithReset(s *segment) {
	if s.flagIsSet(header.TCPFlagRst) {
		return
	}
	if p.rstLimiter != nil && !p.rstLimiter.AllowN(p.clock.Now(), 1) {
		return
	}
	f := header.TCPFields{Flags: header.TCPFlagRst}
	if s.flagIsSet(header.TCPFlagAck) {
		f.SeqNum = s.hdr.AckNum
	} else {
		f.Flags |= header.TCPFlagAck
		f.AckNum = s.hdr.SeqNum.Add(s.logicalLen())
	}
	p.sendTCP(route.Static(s.nic, s.id.LocalAddress, s.id.RemoteAddress), s.id, f)
}

// sendAck sends a bare ACK along the path s arrived on. It is used by
// records that have no connection state left, like TIME_WAIT.
func (p *Protocol) sendAck(s *segment, seq, ack seqnum.Value, wnd uint16, ts *header.TCPOptions) {
	p.sendTCP(route.Static(s.nic, s.id.LocalAddress, s.id.RemoteAddress), s.id, header.TCPFields{
		SeqNum:     seq,
		AckNum:     ack,
		Flags:      header.TCPFlagAck,
		WindowSize: wnd,
		TS:         ts,
	})
}
