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
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
	"gvisor.dev/tcptab/pkg/tcpip/syncookie"
)

// requestState is the state of an open request.
type requestState int

const (
	requestReceivedSyn requestState = iota
	requestAwaitingAck
	requestMatured
	requestExpired
	requestReset
)

// String implements fmt.Stringer.String.
func (s requestState) String() string {
	switch s {
	case requestReceivedSyn:
		return "RECEIVED-SYN"
	case requestAwaitingAck:
		return "AWAITING-ACK"
	case requestMatured:
		return "MATURED"
	case requestExpired:
		return "EXPIRED"
	case requestReset:
		return "RESET"
	default:
		return fmt.Sprintf("requestState(%d)", int(s))
	}
}

// handshakeOptions are the options negotiated in a passive handshake.
type handshakeOptions struct {
	// mss is the largest segment we send.
	mss uint16
	// sndWndScale is the peer's shift, -1 if window scaling is off.
	sndWndScale int
	// rcvWndScale is our shift, 0 if window scaling is off.
	rcvWndScale int
	ts          bool
	sack        bool
}

// negotiate returns the options agreed with a peer that offered peer.
func (p *Protocol) negotiate(peer header.TCPSynOptions) handshakeOptions {
	o := handshakeOptions{mss: min(peer.MSS, p.opts.MSS), sndWndScale: -1}
	if peer.WS >= 0 && p.opts.WindowScale >= 0 {
		o.sndWndScale = peer.WS
		o.rcvWndScale = p.opts.WindowScale
	}
	o.ts = peer.TS && !p.opts.DisableTimestamps
	o.sack = peer.SACKPermitted && !p.opts.DisableSACK
	return o
}

// openRequest is an embryonic connection: a SYN was received and answered,
// and the final ACK is awaited.
type openRequest struct {
	id  tcpip.TransportEndpointID
	nic tcpip.NICID

	iss seqnum.Value
	irs seqnum.Value

	opts     handshakeOptions
	tsOffset uint32
	tsRecent uint32

	state       requestState
	retransmits int
	expiry      tcpip.MonotonicTime

	// ackDropped is set when the final ACK arrived while the accept
	// queue was full.
	ackDropped bool
}

// ListenOptions describe a listening socket.
type ListenOptions struct {
	// Local is the address to listen on. The zero address is the
	// wildcard, port 0 picks an ephemeral port and a non-zero NIC binds
	// the listener to that device.
	Local tcpip.FullAddress

	// Backlog bounds both the SYN queue and the accept queue. It is
	// clamped to [1, MaxBacklog].
	Backlog int

	// Reuse is SO_REUSEADDR.
	Reuse bool

	// OwnerID identifies the caller in diagnostics. A fresh one is
	// allocated if zero.
	OwnerID uint64
}

// addressChecker is implemented by route resolvers that know the local
// addresses.
type addressChecker interface {
	HasAddress(nic tcpip.NICID, addr netip.Addr) bool
}

// Listener is a listening socket. It answers SYNs for its address, keeps
// the SYN queue of open requests and the accept queue of established
// connections not yet accepted.
type Listener struct {
	proto   *Protocol
	owner   *ports.Owner
	addr    netip.Addr
	port    uint16
	nic     tcpip.NICID
	backlog int

	refs atomic.Int64

	// notify is signalled when the accept queue becomes non-empty.
	notify chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	synQueue map[tcpip.TransportEndpointID]*openRequest
	// +checklocks:mu
	acceptQueue []*Endpoint
}

// Listen creates a listener.
func (p *Protocol) Listen(opts ListenOptions) (*Listener, error) {
	l, err := p.listen(opts)
	if err != nil {
		if errors.Is(err, tcpip.ErrPortInUse) {
			p.stats.TCP.FailedPortReservations.Increment()
		}
		return nil, err
	}
	return l, nil
}

func (p *Protocol) listen(opts ListenOptions) (*Listener, error) {
	addr := opts.Local.Addr.Unmap()
	if addr.IsValid() {
		if ac, ok := p.opts.Routes.(addressChecker); ok && !ac.HasAddress(opts.Local.NIC, addr) {
			return nil, tcpip.ErrBadLocalAddress
		}
	}
	backlog := opts.Backlog
	if backlog < 1 {
		backlog = 1
	}
	if backlog > MaxBacklog {
		backlog = MaxBacklog
	}
	id := opts.OwnerID
	if id == 0 {
		id = p.newOwnerID()
	}
	owner := &ports.Owner{Addr: addr, NIC: opts.Local.NIC, Reuse: opts.Reuse, ID: id}
	port, err := p.ports.ClaimPort(owner, opts.Local.Port)
	if err != nil {
		return nil, err
	}
	if err := p.ports.PromoteToListener(owner); err != nil {
		p.ports.ReleasePort(owner)
		return nil, err
	}

	l := &Listener{
		proto:    p,
		owner:    owner,
		addr:     addr,
		port:     port,
		nic:      opts.Local.NIC,
		backlog:  backlog,
		notify:   make(chan struct{}, 1),
		synQueue: make(map[tcpip.TransportEndpointID]*openRequest),
	}
	l.refs.Store(1)

	p.listenersMu.Lock()
	p.listeners[l] = struct{}{}
	p.listenersMu.Unlock()
	p.listenTab.insert(l)
	return l, nil
}

func (l *Listener) incRef() {
	l.refs.Add(1)
}

func (l *Listener) decRef() {
	if l.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("tcp: listener on port %d reference count went negative", l.port))
	}
}

// Addr returns the local address of the listener.
func (l *Listener) Addr() tcpip.FullAddress {
	return tcpip.FullAddress{NIC: l.nic, Addr: l.addr, Port: l.port}
}

// Ready is signalled when a connection may be waiting in the accept queue.
func (l *Listener) Ready() <-chan struct{} {
	return l.notify
}

// Accept returns the oldest established connection, or ErrWouldBlock.
func (l *Listener) Accept() (*Endpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, tcpip.ErrInvalidEndpointState
	}
	if len(l.acceptQueue) == 0 {
		return nil, tcpip.ErrWouldBlock
	}
	e := l.acceptQueue[0]
	l.acceptQueue[0] = nil
	l.acceptQueue = l.acceptQueue[1:]
	if len(l.acceptQueue) > 0 {
		l.signal()
	}
	return e, nil
}

// AcceptContext waits for an established connection.
func (l *Listener) AcceptContext(ctx context.Context) (*Endpoint, error) {
	for {
		e, err := l.Accept()
		if err != tcpip.ErrWouldBlock {
			return e, err
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Listener) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Close stops listening. Open requests are dropped and connections that
// were not accepted are reset.
func (l *Listener) Close() {
	p := l.proto
	if !p.listenTab.remove(l) {
		return
	}
	p.listenersMu.Lock()
	delete(p.listeners, l)
	p.listenersMu.Unlock()

	l.mu.Lock()
	l.closed = true
	reqs := l.synQueue
	l.synQueue = nil
	pending := l.acceptQueue
	l.acceptQueue = nil
	l.mu.Unlock()

	for _, req := range reqs {
		req.state = requestReset
		p.stats.TCP.CurrentOpenRequests.Decrement()
	}
	for _, e := range pending {
		e.mu.Lock()
		e.orphaned = true
		e.abortLocked(tcpip.ErrConnectionAborted, true)
		e.mu.Unlock()
		e.decRef()
	}
	p.ports.ReleasePort(l.owner)
	l.decRef()
}

// handleSegment processes a segment that matched no connection.
func (l *Listener) handleSegment(s *segment) {
	switch {
	case s.flagIsSet(header.TCPFlagRst):
		l.handleReset(s)
	case s.flagsAre(header.TCPFlagSyn):
		l.onSyn(s)
	case s.flagIsSet(header.TCPFlagSyn):
		// SYN-ACK or SYN-FIN, RFC 793 page 65.
		l.proto.replyWithReset(s)
	case s.flagIsSet(header.TCPFlagAck):
		l.onAck(s)
	}
}

// synAckFields builds the SYN-ACK answering req.
func (l *Listener) synAckFields(req *openRequest) header.TCPFields {
	return l.proto.synAck(req.iss, req.irs, req.opts, req.tsOffset, req.tsRecent)
}

// synAck builds a SYN-ACK with sequence number iss acknowledging the peer's
// SYN at irs.
func (p *Protocol) synAck(iss, irs seqnum.Value, ho handshakeOptions, tsOffset, tsRecent uint32) header.TCPFields {
	o := &header.TCPSynOptions{MSS: p.opts.MSS, WS: -1, SACKPermitted: ho.sack}
	if ho.sndWndScale >= 0 {
		o.WS = ho.rcvWndScale
	}
	if ho.ts {
		o.TS = true
		o.TSVal = p.tsNow() + tsOffset
		o.TSEcr = tsRecent
	}
	return header.TCPFields{
		SeqNum:     iss,
		AckNum:     irs + 1,
		Flags:      header.TCPFlagSyn | header.TCPFlagAck,
		WindowSize: uint16(min(p.opts.ReceiveWindow, 0xffff)),
		Syn:        o,
	}
}

func (l *Listener) sendSynAck(req *openRequest, f header.TCPFields) {
	l.proto.sendTCP(route.Static(req.nic, req.id.LocalAddress, req.id.RemoteAddress), req.id, f)
}

// onSyn handles a SYN, RFC 793 page 65.
func (l *Listener) onSyn(s *segment) {
	p := l.proto
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.replyWithReset(s)
		return
	}
	if req, ok := l.synQueue[s.id]; ok {
		if req.irs != s.hdr.SeqNum {
			l.mu.Unlock()
			return
		}
		// Retransmitted SYN: our SYN-ACK was lost.
		f := l.synAckFields(req)
		l.mu.Unlock()
		l.sendSynAck(req, f)
		return
	}
	if len(l.acceptQueue) >= l.backlog {
		l.mu.Unlock()
		p.stats.TCP.ListenOverflowSynDrop.Increment()
		return
	}
	if len(l.synQueue) >= l.backlog {
		l.mu.Unlock()
		if !p.opts.SynCookies {
			p.stats.TCP.ListenOverflowSynDrop.Increment()
			p.floodLog.Warningf("tcp: possible SYN flooding on port %d. Dropping request.", l.port)
			return
		}
		p.floodLog.Warningf("tcp: possible SYN flooding on port %d. Sending cookies.", l.port)
		l.sendCookie(s)
		return
	}

	req := &openRequest{
		id:       s.id,
		nic:      s.nic,
		iss:      p.secureISN(s.id),
		irs:      s.hdr.SeqNum,
		opts:     p.negotiate(s.hdr.Syn),
		tsOffset: p.timestampOffset(s.id),
		tsRecent: s.hdr.Syn.TSVal,
		state:    requestReceivedSyn,
	}
	if s.recycled {
		req.iss = s.recycledISS
	}
	l.synQueue[s.id] = req
	p.stats.TCP.CurrentOpenRequests.Increment()
	f := l.synAckFields(req)
	req.state = requestAwaitingAck
	req.expiry = p.clock.NowMonotonic().Add(p.rtoFor(0))
	l.mu.Unlock()
	l.sendSynAck(req, f)
}

// sendCookie answers s with a stateless SYN-ACK whose sequence number
// encodes everything needed to rebuild the request from the final ACK.
func (l *Listener) sendCookie(s *segment) {
	p := l.proto
	p.stats.TCP.ListenOverflowSynCookieSent.Increment()
	p.sendTCP(route.Static(s.nic, s.id.LocalAddress, s.id.RemoteAddress), s.id, l.cookieSynAck(s))
}

// cookieSynAck builds the SYN-ACK carrying a cookie for s. No state is kept.
func (l *Listener) cookieSynAck(s *segment) header.TCPFields {
	p := l.proto
	o := p.negotiate(s.hdr.Syn)
	cookie := p.jar.Make(s.id, s.hdr.SeqNum, p.clock.Now(), syncookie.Options{
		MSS:           o.mss,
		WS:            o.sndWndScale,
		SACKPermitted: o.sack,
		TS:            o.ts,
	})
	return p.synAck(cookie, s.hdr.SeqNum, o, p.timestampOffset(s.id), s.hdr.Syn.TSVal)
}

// onAck handles an ACK that may complete a handshake.
func (l *Listener) onAck(s *segment) {
	p := l.proto
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.replyWithReset(s)
		return
	}
	req, ok := l.synQueue[s.id]
	if !ok {
		l.mu.Unlock()
		l.onCookieAck(s)
		return
	}
	if s.hdr.AckNum != req.iss+1 || s.hdr.SeqNum != req.irs+1 {
		l.mu.Unlock()
		return
	}
	if len(l.acceptQueue) >= l.backlog {
		p.stats.TCP.ListenOverflowAckDrop.Increment()
		if p.opts.AbortOnOverflow {
			delete(l.synQueue, s.id)
			req.state = requestReset
			p.stats.TCP.CurrentOpenRequests.Decrement()
			l.mu.Unlock()
			p.replyWithReset(s)
			return
		}
		// The peer will retransmit; the request is kept.
		req.ackDropped = true
		l.mu.Unlock()
		return
	}
	e, err := l.matureLocked(req, s)
	if err == nil || errors.Is(err, tcpip.ErrConnectionExists) {
		// Another segment completed the handshake first; it owns the
		// connection.
		delete(l.synQueue, s.id)
		p.stats.TCP.CurrentOpenRequests.Decrement()
	}
	l.mu.Unlock()
	l.afterMature(e, err, s)
}

// onCookieAck handles an ACK without an open request, which completes a
// handshake answered with a SYN cookie if the cookie is valid.
func (l *Listener) onCookieAck(s *segment) {
	p := l.proto
	// A duplicate of the ACK that matured the request may have raced
	// with it past the established table.
	if e, tw := p.ehash.lookup(s.id, s.nic); e != nil || tw != nil {
		if e != nil {
			e.deliver(s)
			e.decRef()
		} else {
			tw.decRef()
		}
		return
	}
	if !p.opts.SynCookies {
		p.replyWithReset(s)
		return
	}
	o, ok := p.jar.Check(s.id, s.hdr.AckNum-1, s.hdr.SeqNum-1, p.clock.Now())
	if !ok {
		p.stats.TCP.ListenOverflowInvalidSynCookieRcvd.Increment()
		p.replyWithReset(s)
		return
	}
	p.stats.TCP.ListenOverflowSynCookieRcvd.Increment()
	req := &openRequest{
		id:  s.id,
		nic: s.nic,
		iss: s.hdr.AckNum - 1,
		irs: s.hdr.SeqNum - 1,
		opts: handshakeOptions{
			mss:         o.MSS,
			sndWndScale: o.WS,
			ts:          o.TS,
			sack:        o.SACKPermitted,
		},
		tsOffset: p.timestampOffset(s.id),
		tsRecent: s.hdr.Options.TSVal,
	}
	if o.WS >= 0 {
		req.opts.rcvWndScale = p.opts.WindowScale
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.replyWithReset(s)
		return
	}
	if len(l.acceptQueue) >= l.backlog {
		l.mu.Unlock()
		p.stats.TCP.ListenOverflowAckDrop.Increment()
		return
	}
	e, err := l.matureLocked(req, s)
	l.mu.Unlock()
	l.afterMature(e, err, s)
}

// matureLocked turns req into an established connection, hashes it and
// queues it for Accept.
//
// +checklocks:l.mu
func (l *Listener) matureLocked(req *openRequest, s *segment) (*Endpoint, error) {
	p := l.proto
	e := newEndpoint(p, req.id, l.nic)
	e.ownerID = l.owner.ID
	owner := &ports.Owner{Addr: req.id.LocalAddress, NIC: l.nic, Reuse: l.owner.Reuse, ID: l.owner.ID}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.route = route.Static(req.nic, req.id.LocalAddress, req.id.RemoteAddress)
	e.boundAddr = true
	e.state = StateSynRecv
	e.iss = req.iss
	e.irs = req.irs
	e.sndUna = s.hdr.AckNum
	e.sndNxt = req.iss + 1
	e.rcvNxt = req.irs + 1
	e.synOffer = p.synOffer(p.opts.MSS)
	e.sndMSS = req.opts.mss
	e.sndWndScale = req.opts.sndWndScale
	e.rcvWndScale = req.opts.rcvWndScale
	e.sackPermitted = req.opts.sack
	e.tsOK = req.opts.ts
	e.tsOffset = req.tsOffset
	if e.tsOK {
		e.tsRecent = req.tsRecent
		e.tsRecentStamp = p.clock.NowMonotonic()
		e.hasTSStamp = true
		e.updateRecentTimestampLocked(s)
	}
	e.sndWnd = seqnum.Size(s.hdr.WindowSize)
	if e.sndWndScale > 0 {
		e.sndWnd <<= uint(e.sndWndScale)
	}

	if err := p.ehash.insert(e); err != nil {
		return nil, err
	}
	if err := p.ports.Inherit(l.owner, owner); err != nil {
		if p.ehash.remove(e) {
			e.decRef()
		}
		return nil, err
	}
	e.owner = owner
	e.setStateLocked(StateEstablished)
	e.signalConnectedLocked()
	req.state = requestMatured

	l.acceptQueue = append(l.acceptQueue, e)
	p.stats.TCP.PassiveConnectionOpenings.Increment()
	l.signal()
	return e, nil
}

// afterMature delivers what the completing segment carries beyond the
// handshake, or accounts for a failed maturation.
func (l *Listener) afterMature(e *Endpoint, err error, s *segment) {
	p := l.proto
	if err != nil {
		if errors.Is(err, tcpip.ErrConnectionExists) {
			p.stats.TCP.ConnectionExistsDrops.Increment()
			return
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: dropping handshake of %s: %v", s.id, err)
		}
		p.stats.TCP.FailedConnectionAttempts.Increment()
		return
	}
	if len(s.hdr.Payload) > 0 || s.flagIsSet(header.TCPFlagFin) {
		e.deliver(s)
	}
}

// handleReset drops the open request a RST refers to.
func (l *Listener) handleReset(s *segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.synQueue[s.id]
	if !ok || s.hdr.SeqNum != req.irs+1 {
		return
	}
	l.dropRequestLocked(req)
}

// +checklocks:l.mu
func (l *Listener) dropRequestLocked(req *openRequest) {
	delete(l.synQueue, req.id)
	req.state = requestReset
	l.proto.stats.TCP.CurrentOpenRequests.Decrement()
	l.proto.stats.TCP.FailedConnectionAttempts.Increment()
}

// handleControl drops the open request a network error refers to.
func (l *Listener) handleControl(id tcpip.TransportEndpointID, ct tcpip.ControlType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req, ok := l.synQueue[id]; ok {
		if log.IsLogging(log.Debug) {
			log.Debugf("tcp: dropping open request %s: %v", id, tcpip.ControlError(ct))
		}
		l.dropRequestLocked(req)
	}
}

// sweep retransmits the SYN-ACKs of requests whose timeout passed and drops
// those out of retries.
func (l *Listener) sweep(now tcpip.MonotonicTime) {
	p := l.proto
	type resend struct {
		req *openRequest
		f   header.TCPFields
	}
	var out []resend

	l.mu.Lock()
	for id, req := range l.synQueue {
		if now.Before(req.expiry) {
			continue
		}
		if req.retransmits >= p.opts.SynAckRetries {
			delete(l.synQueue, id)
			req.state = requestExpired
			p.stats.TCP.CurrentOpenRequests.Decrement()
			p.stats.TCP.OpenRequestsExpired.Increment()
			p.stats.TCP.FailedConnectionAttempts.Increment()
			continue
		}
		req.retransmits++
		req.expiry = now.Add(p.rtoFor(req.retransmits))
		out = append(out, resend{req, l.synAckFields(req)})
	}
	l.mu.Unlock()

	for _, r := range out {
		p.stats.TCP.Retransmits.Increment()
		l.sendSynAck(r.req, r.f)
	}
}

// sweepSynQueues runs the SYN queue sweep of every listener.
func (p *Protocol) sweepSynQueues(now tcpip.MonotonicTime) {
	p.listenersMu.Lock()
	ls := make([]*Listener, 0, len(p.listeners))
	for l := range p.listeners {
		ls = append(ls, l)
	}
	p.listenersMu.Unlock()
	for _, l := range ls {
		l.sweep(now)
	}
}
