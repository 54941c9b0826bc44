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
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// acceptableLocked checks if the segment sequence number range is acceptable
// according to the table on page 26 of RFC 793.
//
// +checklocks:e.mu
func (e *Endpoint) acceptableLocked(segSeq seqnum.Value, segLen seqnum.Size) bool {
	return acceptable(segSeq, segLen, e.rcvNxt, e.rcvNxt.Add(e.rcvWndLocked()))
}

// acceptable checks a segment against the receive window [rcvNxt, rcvAcc).
// Like Linux, the right edge of the window is treated as inclusive.
func acceptable(segSeq seqnum.Value, segLen seqnum.Size, rcvNxt, rcvAcc seqnum.Value) bool {
	if rcvNxt == rcvAcc {
		return segLen == 0 && segSeq == rcvNxt
	}
	if segLen == 0 {
		return segSeq.InRange(rcvNxt, rcvAcc.Add(1))
	}
	// Page 70 of RFC 793 allows segments that can be made acceptable by
	// trimming, so any overlap with the window is enough.
	return rcvNxt.LessThan(segSeq.Add(segLen)) && segSeq.LessThanEq(rcvAcc)
}

// handleSynchronizedLocked processes a segment for a connection past the
// handshake, following RFC 793 page 69 with the RFC 5961 and RFC 7323
// amendments.
//
// +checklocks:e.mu
func (e *Endpoint) handleSynchronizedLocked(s *segment) {
	p := e.proto

	// PAWS, RFC 7323 section 5.3.
	if e.tsOK && s.hdr.Options.TS && !s.flagIsSet(header.TCPFlagRst) && int32(s.hdr.Options.TSVal-e.tsRecent) < 0 {
		p.stats.TCP.PAWSRejected.Increment()
		e.sendAckLocked()
		return
	}

	if !e.acceptableLocked(s.hdr.SeqNum, s.logicalLen()) {
		if !s.flagIsSet(header.TCPFlagRst) {
			e.sendAckLocked()
		}
		return
	}

	if s.flagIsSet(header.TCPFlagRst) {
		// RFC 5961 section 3.2: only an exact match resets the
		// connection. An in-window RST would warrant a challenge ACK,
		// which is not sent to avoid ACK storms with a blind attacker.
		if s.hdr.SeqNum == e.rcvNxt {
			e.handleResetLocked()
		}
		return
	}

	if s.flagIsSet(header.TCPFlagSyn) {
		// RFC 5961 section 4.2: challenge ACK.
		e.sendAckLocked()
		return
	}

	if !s.flagIsSet(header.TCPFlagAck) {
		return
	}

	ack := s.hdr.AckNum
	if e.sndNxt.LessThan(ack) {
		// Acknowledges something not yet sent.
		e.sendAckLocked()
		return
	}
	if e.sndUna.LessThan(ack) {
		e.sndUna = ack
	}
	e.sndWnd = seqnum.Size(s.hdr.WindowSize)
	if e.sndWndScale > 0 {
		e.sndWnd <<= uint(e.sndWndScale)
	}
	e.updateRecentTimestampLocked(s)

	if e.finSent && e.sndUna == e.sndNxt {
		e.rtxTimer.disable()
		e.retransmits = 0
		switch e.state {
		case StateFinWait1:
			e.setStateLocked(StateFinWait2)
		case StateClosing:
			e.enterTimeWaitLocked(StateTimeWait, p.opts.TimeWaitTimeout)
			return
		case StateLastAck:
			e.closeLocked()
			return
		}
	}

	needAck := false
	if len(s.hdr.Payload) > 0 {
		switch e.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			seq := s.hdr.SeqNum
			data := s.hdr.Payload
			if seq.LessThan(e.rcvNxt) {
				trim := int(seq.Size(e.rcvNxt))
				if trim >= len(data) {
					data = nil
				} else {
					data = data[trim:]
				}
				seq = e.rcvNxt
			}
			if seq != e.rcvNxt {
				// Out of order segments are not queued; the duplicate
				// ACK asks for a retransmission.
				e.sendAckLocked()
				return
			}
			if avail := int(e.rcvWndLocked()); len(data) > avail {
				data = data[:avail]
			}
			e.rcvBuf = append(e.rcvBuf, data...)
			e.rcvNxt = e.rcvNxt.Add(seqnum.Size(len(data)))
			needAck = true
		}
	}

	if s.flagIsSet(header.TCPFlagFin) && s.hdr.SeqNum.Add(s.payloadLen()) == e.rcvNxt {
		switch e.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			e.rcvNxt++
			e.sendAckLocked()
			needAck = false
			switch e.state {
			case StateEstablished:
				e.setStateLocked(StateCloseWait)
			case StateFinWait1:
				e.setStateLocked(StateClosing)
			case StateFinWait2:
				e.enterTimeWaitLocked(StateTimeWait, p.opts.TimeWaitTimeout)
				return
			}
		}
	}

	if needAck {
		e.sendAckLocked()
	}

	// Orphaned connections don't wait for the peer's FIN for longer than
	// the linger timeout, which is spent as a TIME_WAIT record.
	if e.state == StateFinWait2 && e.orphaned {
		e.enterTimeWaitLocked(StateFinWait2, p.opts.LingerTimeout)
	}
}
