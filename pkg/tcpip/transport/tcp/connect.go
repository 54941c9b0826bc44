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
	"errors"
	"net/netip"
	"time"

	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// ConnectOptions describe an active open.
type ConnectOptions struct {
	// Local is the local end. A zero address is picked by the routing
	// table and a zero port by the ephemeral allocator. A non-zero NIC
	// binds the connection to that device.
	Local tcpip.FullAddress

	// Remote is the peer.
	Remote tcpip.FullAddress

	// Reuse is SO_REUSEADDR.
	Reuse bool

	// OwnerID identifies the caller in diagnostics. A fresh one is
	// allocated if zero.
	OwnerID uint64
}

// Connect starts an active open and returns the connection in SYN-SENT. Use
// WaitConnected to learn the outcome of the handshake.
func (p *Protocol) Connect(opts ConnectOptions) (*Endpoint, error) {
	e, err := p.connect(opts)
	if err != nil {
		p.stats.TCP.FailedConnectionAttempts.Increment()
		if errors.Is(err, tcpip.ErrPortInUse) {
			p.stats.TCP.FailedPortReservations.Increment()
		}
		return nil, err
	}
	return e, nil
}

func (p *Protocol) connect(opts ConnectOptions) (*Endpoint, error) {
	remote := opts.Remote.Addr.Unmap()
	if !remote.IsValid() || opts.Remote.Port == 0 {
		return nil, tcpip.ErrInvalidOptionValue
	}
	if p.opts.Routes == nil {
		return nil, tcpip.ErrNoRoute
	}
	r, err := p.opts.Routes.Resolve(opts.Local.NIC, opts.Local.Addr.Unmap(), remote)
	if err != nil {
		return nil, err
	}

	e := newEndpoint(p, tcpip.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		RemoteAddress: remote,
		RemotePort:    opts.Remote.Port,
	}, opts.Local.NIC)
	e.route = r
	e.boundAddr = opts.Local.Addr.IsValid()
	e.ownerID = opts.OwnerID
	if e.ownerID == 0 {
		e.ownerID = p.newOwnerID()
	}
	owner := &ports.Owner{Addr: r.LocalAddress, NIC: opts.Local.NIC, Reuse: opts.Reuse, ID: e.ownerID}

	e.lockSock()
	defer e.releaseSock()

	// check runs with the port's bind chain locked. It hashes the
	// connection under the candidate port, retiring a recyclable
	// TIME_WAIT record on the same 4-tuple.
	var retired *timeWaitRecord
	var recycled bool
	check := func(port uint16) (bool, *ports.Owner) {
		e.id.LocalPort = port
		ok, tw := p.ehash.insertConnecting(e, func(tw *timeWaitRecord) bool {
			return p.canRecycleLocked(tw, e.nic)
		})
		if tw == nil {
			return ok, nil
		}
		// The scan stops at the first port that takes the connection.
		retired, recycled = tw, true
		return true, tw.owner
	}

	if opts.Local.Port != 0 {
		if _, err := p.ports.ClaimPort(owner, opts.Local.Port); err != nil {
			return nil, err
		}
		if !p.ports.CheckBound(owner, check) {
			p.ports.ReleasePort(owner)
			p.retireRecycled(retired, false)
			return nil, tcpip.ErrConnectionExists
		}
	} else if _, err := p.ports.ClaimConnectPort(owner, check); err != nil {
		p.retireRecycled(retired, false)
		if errors.Is(err, tcpip.ErrPortInUse) {
			// Every ephemeral port is in use towards this peer.
			p.stats.TCP.FailedPortReservations.Increment()
			return nil, tcpip.ErrBadLocalAddress
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = owner
	e.iss = p.secureISN(e.id)
	if recycled {
		// The new connection must start above anything the peer may
		// still accept for the old one.
		e.iss = recycledISS(retired.sndNxt)
		e.tsRecent = retired.tsRecent
		e.tsRecentStamp = retired.tsRecentStamp
		e.hasTSStamp = retired.hasTSStamp
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: %s recycles a TIME_WAIT record, iss %d", e.id, e.iss)
		}
	}
	e.sndUna = e.iss
	e.sndNxt = e.iss + 1
	e.tsOffset = p.timestampOffset(e.id)
	e.synOffer = p.synOffer(e.advMSSLocked())
	e.setStateLocked(StateSynSent)
	p.stats.TCP.ActiveConnectionOpenings.Increment()
	e.sendSynLocked()
	e.rtxTimer.enable(p.rtoFor(0))
	p.retireRecycled(retired, recycled)
	return e, nil
}

// canRecycleLocked decides whether an active open may take over the 4-tuple
// of tw. It runs with tw's bucket locked. Without explicit permission, the
// record must have seen a timestamp at least a second ago, so that PAWS
// protects the new connection from old duplicates.
func (p *Protocol) canRecycleLocked(tw *timeWaitRecord, nic tcpip.NICID) bool {
	if tw.substate != StateTimeWait || tw.nic != nic {
		return false
	}
	if p.opts.TimeWaitRecycle {
		return true
	}
	return tw.hasTSStamp && p.clock.NowMonotonic().Sub(tw.tsRecentStamp) >= time.Second
}

// retireRecycled finishes the teardown of a TIME_WAIT record unlinked by an
// active open.
func (p *Protocol) retireRecycled(tw *timeWaitRecord, recycled bool) {
	if tw == nil {
		return
	}
	if recycled {
		p.stats.TCP.TimeWaitRecycled.Increment()
	} else {
		p.stats.TCP.TimeWaitKilled.Increment()
	}
	p.retireTimeWait(tw)
}

// advMSSLocked returns the MSS to advertise, derived from the route MTU
// when known.
//
// +checklocks:e.mu
func (e *Endpoint) advMSSLocked() uint16 {
	if e.route != nil && e.route.MTU > header.TCPMinimumSize+40 {
		return uint16(min(e.route.MTU-40, 0xffff))
	}
	return e.proto.opts.MSS
}

// synOffer returns the options offered in a SYN.
func (p *Protocol) synOffer(mss uint16) header.TCPSynOptions {
	return header.TCPSynOptions{
		MSS:           mss,
		WS:            p.opts.WindowScale,
		TS:            !p.opts.DisableTimestamps,
		SACKPermitted: !p.opts.DisableSACK,
	}
}

// applySynOptionsLocked records the options negotiated with a peer that sent
// peer in its SYN.
//
// +checklocks:e.mu
func (e *Endpoint) applySynOptionsLocked(peer header.TCPSynOptions) {
	e.sndMSS = min(peer.MSS, e.synOffer.MSS)
	if e.synOffer.WS >= 0 && peer.WS >= 0 {
		e.sndWndScale = peer.WS
		e.rcvWndScale = e.synOffer.WS
	} else {
		e.sndWndScale = -1
		e.rcvWndScale = 0
	}
	e.sackPermitted = e.synOffer.SACKPermitted && peer.SACKPermitted
	e.tsOK = e.synOffer.TS && peer.TS
	if e.tsOK {
		e.tsRecent = peer.TSVal
		e.tsRecentStamp = e.proto.clock.NowMonotonic()
		e.hasTSStamp = true
	}
}

// sendSynLocked sends our SYN, or SYN-ACK in SYN-RECV. A SYN-ACK only
// carries the options the peer offered.
//
// +checklocks:e.mu
func (e *Endpoint) sendSynLocked() {
	f := header.TCPFields{
		SeqNum:     e.iss,
		Flags:      header.TCPFlagSyn,
		WindowSize: uint16(min(e.rcvWndLocked(), 0xffff)),
	}
	var o header.TCPSynOptions
	if e.state == StateSynRecv {
		f.Flags |= header.TCPFlagAck
		f.AckNum = e.rcvNxt
		o = header.TCPSynOptions{MSS: e.synOffer.MSS, WS: -1, SACKPermitted: e.sackPermitted}
		if e.sndWndScale >= 0 {
			o.WS = e.rcvWndScale
		}
		if e.tsOK {
			o.TS = true
			o.TSEcr = e.tsRecent
		}
	} else {
		o = e.synOffer
		o.TSEcr = 0
	}
	if o.TS {
		o.TSVal = e.tsValLocked()
	}
	f.Syn = &o
	e.sendTCPLocked(f)
}

// maybeReselectSourceLocked moves a connection whose local address was
// picked by routing to the address of the current route, if it changed since
// the previous SYN.
//
// +checklocks:e.mu
func (e *Endpoint) maybeReselectSourceLocked() {
	if e.boundAddr || e.route == nil || e.route.Valid() {
		return
	}
	r, err := e.proto.opts.Routes.Resolve(e.nic, netip.Addr{}, e.id.RemoteAddress)
	if err != nil {
		e.recordSoftErrorLocked(err)
		return
	}
	if r.LocalAddress == e.id.LocalAddress {
		e.route = r
		return
	}
	newID := e.id
	newID.LocalAddress = r.LocalAddress
	if err := e.proto.ehash.rehash(e, newID); err != nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: %s keeps its source address: %v", e.id, err)
		}
		return
	}
	e.route = r
	e.tsOffset = e.proto.timestampOffset(newID)
}

// handleSynSentLocked processes a segment in SYN-SENT, RFC 793 page 66.
//
// +checklocks:e.mu
func (e *Endpoint) handleSynSentLocked(s *segment) {
	p := e.proto
	if s.flagIsSet(header.TCPFlagAck) && s.hdr.AckNum != e.iss+1 {
		p.replyWithReset(s)
		return
	}
	if s.flagIsSet(header.TCPFlagRst) {
		// A reset is acceptable only if it acknowledges the SYN.
		if s.flagIsSet(header.TCPFlagAck) {
			p.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(tcpip.ErrConnectionRefused, false)
		}
		return
	}
	if !s.flagIsSet(header.TCPFlagSyn) {
		return
	}

	e.irs = s.hdr.SeqNum
	e.rcvNxt = e.irs + 1
	e.applySynOptionsLocked(s.hdr.Syn)
	// The window of a SYN is never scaled.
	e.sndWnd = seqnum.Size(s.hdr.WindowSize)
	e.retransmits = 0

	if s.flagIsSet(header.TCPFlagAck) {
		e.sndUna = s.hdr.AckNum
		e.rtxTimer.disable()
		e.setStateLocked(StateEstablished)
		e.signalConnectedLocked()
		e.sendAckLocked()
		return
	}

	// Simultaneous open: acknowledge the peer's SYN and resend ours, then
	// wait in SYN-RECV for our SYN to be acknowledged.
	e.setStateLocked(StateSynRecv)
	e.sendSynLocked()
	e.rtxTimer.enable(p.rtoFor(0))
}

// handleSynRecvLocked processes a segment in SYN-RECV. Only active opens
// reach it; passive opens are tracked as open requests until established.
//
// +checklocks:e.mu
func (e *Endpoint) handleSynRecvLocked(s *segment) {
	p := e.proto
	if s.flagIsSet(header.TCPFlagRst) {
		if s.hdr.SeqNum == e.rcvNxt {
			p.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(tcpip.ErrConnectionRefused, false)
		}
		return
	}
	if s.flagIsSet(header.TCPFlagSyn) {
		if s.hdr.SeqNum != e.irs {
			// A new SYN from the peer, RFC 793 page 71.
			p.replyWithReset(s)
			p.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(tcpip.ErrConnectionReset, false)
			return
		}
		if !s.flagIsSet(header.TCPFlagAck) || s.hdr.AckNum != e.iss+1 {
			// Retransmitted SYN: our SYN-ACK was lost.
			e.sendSynLocked()
			return
		}
		// The peer's SYN-ACK of a simultaneous open.
		e.completeSynRecvLocked(s)
		e.sendAckLocked()
		return
	}
	if !s.flagIsSet(header.TCPFlagAck) {
		return
	}
	if s.hdr.AckNum != e.iss+1 {
		p.replyWithReset(s)
		return
	}
	e.completeSynRecvLocked(s)
	if len(s.hdr.Payload) > 0 || s.flagIsSet(header.TCPFlagFin) {
		e.handleSynchronizedLocked(s)
	}
}

// +checklocks:e.mu
func (e *Endpoint) completeSynRecvLocked(s *segment) {
	e.sndUna = s.hdr.AckNum
	e.sndWnd = seqnum.Size(s.hdr.WindowSize)
	if e.sndWndScale > 0 {
		e.sndWnd <<= uint(e.sndWndScale)
	}
	e.rtxTimer.disable()
	e.retransmits = 0
	e.updateRecentTimestampLocked(s)
	e.setStateLocked(StateEstablished)
	e.signalConnectedLocked()
}
