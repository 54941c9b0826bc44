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
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// EndpointState represents the state of a TCP endpoint. The values mirror
// the Linux TCP_* states.
type EndpointState uint8

// Endpoint states.
const (
	StateEstablished EndpointState = iota + 1
	StateSynSent
	StateSynRecv
	StateFinWait1
	StateFinWait2
	StateTimeWait
	StateClose
	StateCloseWait
	StateLastAck
	StateListen
	StateClosing
)

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateEstablished:
		return "ESTABLISHED"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRecv:
		return "SYN-RCVD"
	case StateFinWait1:
		return "FIN-WAIT1"
	case StateFinWait2:
		return "FIN-WAIT2"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClose:
		return "CLOSED"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	case StateListen:
		return "LISTEN"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("EndpointState(%d)", uint8(s))
	}
}

// synchronized returns true if the state follows the handshake and
// precedes the final close.
func (s EndpointState) synchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		return true
	default:
		return false
	}
}

// Endpoint is a TCP connection.
//
// Segments reach it from the demultiplexer, which runs on the fast path and
// never waits for a caller: while a caller owns the endpoint (between
// lockSock and releaseSock), segments are deferred to a backlog that the
// owner replays, in arrival order, before giving up ownership.
type Endpoint struct {
	proto *Protocol

	refs   atomic.Int64
	hashed atomic.Bool

	// slot is protected by the lock of the bucket the endpoint is hashed
	// into.
	slot slotIndex

	// id is immutable once hashed, except for rehash, which is called
	// with mu held. nic is the bound device, 0 for none.
	id  tcpip.TransportEndpointID
	nic tcpip.NICID

	// boundAddr is true if the local address was chosen by the caller.
	boundAddr bool

	ownerID uint64

	// userMu serializes callers owning the endpoint.
	userMu sync.Mutex

	mu sync.Mutex

	// +checklocks:mu
	ownedByUser bool
	// +checklocks:mu
	backlog segmentQueue

	// +checklocks:mu
	state EndpointState
	// +checklocks:mu
	owner *ports.Owner
	// +checklocks:mu
	route *route.Handle

	// Sequence space.
	// +checklocks:mu
	iss seqnum.Value
	// +checklocks:mu
	irs seqnum.Value
	// +checklocks:mu
	sndUna seqnum.Value
	// +checklocks:mu
	sndNxt seqnum.Value
	// +checklocks:mu
	rcvNxt seqnum.Value
	// +checklocks:mu
	sndWnd seqnum.Size

	// Negotiated options. sndWndScale is -1 when window scaling is off.
	// +checklocks:mu
	sndWndScale int
	// +checklocks:mu
	rcvWndScale int
	// +checklocks:mu
	sndMSS uint16
	// +checklocks:mu
	sackPermitted bool
	// +checklocks:mu
	tsOK bool
	// +checklocks:mu
	tsOffset uint32
	// +checklocks:mu
	tsRecent uint32
	// +checklocks:mu
	tsRecentStamp tcpip.MonotonicTime
	// +checklocks:mu
	hasTSStamp bool

	// synOffer holds the options sent in our SYN.
	// +checklocks:mu
	synOffer header.TCPSynOptions

	// +checklocks:mu
	rcvBuf []byte
	// +checklocks:mu
	rcvBufSize int

	// +checklocks:mu
	finSent bool
	// +checklocks:mu
	retransmits int
	// +checklocks:mu
	rtxTimer timer

	// softErr is a network error not yet reported to the owner. hardErr
	// is the error the connection was torn down with.
	// +checklocks:mu
	softErr error
	// +checklocks:mu
	hardErr error

	// orphaned is set once the application closed the endpoint.
	// +checklocks:mu
	orphaned bool

	connected     chan struct{}
	connectedDone bool
	closed        chan struct{}
	closedDone    bool
}

func newEndpoint(p *Protocol, id tcpip.TransportEndpointID, nic tcpip.NICID) *Endpoint {
	e := &Endpoint{
		proto:       p,
		id:          id,
		nic:         nic,
		sndWndScale: -1,
		sndMSS:      header.TCPDefaultMSS,
		rcvBufSize:  p.opts.ReceiveWindow,
		connected:   make(chan struct{}),
		closed:      make(chan struct{}),
	}
	e.refs.Store(1)
	e.backlog.setLimit(MaxUnprocessedSegments)
	e.rtxTimer.init(p.clock, e.handleRetransmitTimer)
	return e
}

func (e *Endpoint) incRef() {
	e.refs.Add(1)
}

// decRef drops a reference. The last reference must not be dropped while
// the endpoint can still be found in the established table.
func (e *Endpoint) decRef() {
	switch n := e.refs.Add(-1); {
	case n == 0:
		if e.hashed.Load() {
			panic(fmt.Sprintf("tcp: endpoint %s released while still hashed", e.id))
		}
	case n < 0:
		panic(fmt.Sprintf("tcp: endpoint %s reference count went negative", e.id))
	}
}

// lockSock makes the caller the owner of e. The fast path defers segments
// to the backlog until releaseSock.
func (e *Endpoint) lockSock() {
	e.userMu.Lock()
	e.mu.Lock()
	e.ownedByUser = true
	e.mu.Unlock()
}

// releaseSock processes the backlog and gives up ownership. Segments
// arriving meanwhile are still deferred, so they are handled after the ones
// already queued.
func (e *Endpoint) releaseSock() {
	e.mu.Lock()
	for s := e.backlog.dequeue(); s != nil; s = e.backlog.dequeue() {
		e.handleSegmentLocked(s)
	}
	e.ownedByUser = false
	e.mu.Unlock()
	e.userMu.Unlock()
}

// deliver hands a segment from the fast path to e.
func (e *Endpoint) deliver(s *segment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ownedByUser {
		if !e.backlog.enqueue(s) {
			e.proto.stats.DroppedPackets.Increment()
			return
		}
		e.proto.stats.TCP.SegmentsBacklogged.Increment()
		return
	}
	e.handleSegmentLocked(s)
}

// handleSegmentLocked dispatches s according to the connection state.
//
// +checklocks:e.mu
func (e *Endpoint) handleSegmentLocked(s *segment) {
	switch {
	case e.state == StateSynSent:
		e.handleSynSentLocked(s)
	case e.state == StateSynRecv:
		e.handleSynRecvLocked(s)
	case e.state.synchronized():
		e.handleSynchronizedLocked(s)
	}
}

// setStateLocked moves e to s, keeping the established gauge and reset
// counters current.
//
// +checklocks:e.mu
func (e *Endpoint) setStateLocked(s EndpointState) {
	old := e.state
	if old == s {
		return
	}
	stats := &e.proto.stats.TCP
	wasEst := old == StateEstablished || old == StateCloseWait
	isEst := s == StateEstablished || s == StateCloseWait
	switch {
	case !wasEst && isEst:
		stats.CurrentEstablished.Increment()
	case wasEst && !isEst:
		stats.CurrentEstablished.Decrement()
		if s == StateClose {
			stats.EstablishedResets.Increment()
		}
	}
	e.state = s
}

// +checklocks:e.mu
func (e *Endpoint) signalConnectedLocked() {
	if !e.connectedDone {
		e.connectedDone = true
		close(e.connected)
	}
}

// +checklocks:e.mu
func (e *Endpoint) signalClosedLocked() {
	e.signalConnectedLocked()
	if !e.closedDone {
		e.closedDone = true
		close(e.closed)
	}
}

// rcvWndLocked returns the free space of the receive buffer.
//
// +checklocks:e.mu
func (e *Endpoint) rcvWndLocked() seqnum.Size {
	if n := e.rcvBufSize - len(e.rcvBuf); n > 0 {
		return seqnum.Size(n)
	}
	return 0
}

// advertisedWindowLocked returns the window field of outgoing segments.
//
// +checklocks:e.mu
func (e *Endpoint) advertisedWindowLocked() uint16 {
	w := e.rcvWndLocked() >> uint(e.rcvWndScale)
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

// +checklocks:e.mu
func (e *Endpoint) tsValLocked() uint32 {
	return e.proto.tsNow() + e.tsOffset
}

// +checklocks:e.mu
func (e *Endpoint) tsOptionsLocked() *header.TCPOptions {
	if !e.tsOK {
		return nil
	}
	return &header.TCPOptions{TS: true, TSVal: e.tsValLocked(), TSEcr: e.tsRecent}
}

// updateRecentTimestampLocked remembers the peer's timestamp of a segment
// that does not start beyond rcvNxt, per RFC 7323 section 4.3.
//
// +checklocks:e.mu
func (e *Endpoint) updateRecentTimestampLocked(s *segment) {
	o := s.hdr.Options
	if !e.tsOK || !o.TS || !s.hdr.SeqNum.LessThanEq(e.rcvNxt) {
		return
	}
	if int32(o.TSVal-e.tsRecent) >= 0 || !e.hasTSStamp {
		e.tsRecent = o.TSVal
		e.tsRecentStamp = e.proto.clock.NowMonotonic()
		e.hasTSStamp = true
	}
}

// sendTCPLocked sends f over the endpoint's route, revalidating it first.
//
// +checklocks:e.mu
func (e *Endpoint) sendTCPLocked(f header.TCPFields) {
	if e.route == nil {
		return
	}
	r, err := e.route.Revalidate()
	if err != nil {
		e.recordSoftErrorLocked(err)
		return
	}
	e.route = r
	e.proto.sendTCP(r, e.id, f)
}

// +checklocks:e.mu
func (e *Endpoint) sendRawLocked(flags header.TCPFlags, seq, ack seqnum.Value, payload []byte) {
	e.sendTCPLocked(header.TCPFields{
		SeqNum:     seq,
		AckNum:     ack,
		Flags:      flags,
		WindowSize: e.advertisedWindowLocked(),
		TS:         e.tsOptionsLocked(),
		Payload:    payload,
	})
}

// +checklocks:e.mu
func (e *Endpoint) sendAckLocked() {
	e.sendRawLocked(header.TCPFlagAck, e.sndNxt, e.rcvNxt, nil)
}

// sendFinLocked (re)sends our FIN, which occupies sequence number sndNxt-1.
//
// +checklocks:e.mu
func (e *Endpoint) sendFinLocked() {
	e.sendRawLocked(header.TCPFlagFin|header.TCPFlagAck, e.sndNxt-1, e.rcvNxt, nil)
}

// +checklocks:e.mu
func (e *Endpoint) recordSoftErrorLocked(err error) {
	e.softErr = err
	e.proto.stats.TCP.SoftErrors.Increment()
}

// closeLocked moves e to CLOSED: it is unhashed, its port is released and
// waiters are woken.
//
// +checklocks:e.mu
func (e *Endpoint) closeLocked() {
	if e.state == StateClose {
		return
	}
	e.rtxTimer.cleanup()
	e.setStateLocked(StateClose)
	if e.proto.ehash.remove(e) {
		e.decRef()
	}
	if e.owner != nil {
		e.proto.ports.ReleasePort(e.owner)
		e.owner = nil
	}
	e.signalClosedLocked()
}

// abortLocked tears the connection down with err, optionally telling the
// peer with a RST.
//
// +checklocks:e.mu
func (e *Endpoint) abortLocked(err error, sendRst bool) {
	if sendRst && (e.state.synchronized() || e.state == StateSynRecv) {
		e.sendRawLocked(header.TCPFlagRst|header.TCPFlagAck, e.sndNxt, e.rcvNxt, nil)
	}
	if err != nil && e.hardErr == nil {
		e.hardErr = err
	}
	e.closeLocked()
}

func (e *Endpoint) abort(err error, sendRst bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortLocked(err, sendRst)
}

// handleResetLocked processes an acceptable RST.
//
// +checklocks:e.mu
func (e *Endpoint) handleResetLocked() {
	switch e.state {
	case StateCloseWait:
		// Linux reports EPIPE for a reset half-closed connection.
		e.abortLocked(tcpip.ErrClosedForSend, false)
	case StateClosing, StateLastAck:
		e.closeLocked()
	default:
		e.abortLocked(tcpip.ErrConnectionReset, false)
	}
}

// handleControl records a network error reported for the connection.
func (e *Endpoint) handleControl(ct tcpip.ControlType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := tcpip.ControlError(ct)
	switch e.state {
	case StateSynSent, StateSynRecv:
		if !e.ownedByUser || ct.Hard() {
			e.proto.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(err, false)
			return
		}
	case StateClose, StateTimeWait:
		return
	default:
		if e.proto.opts.ImmediateErrors && !e.ownedByUser {
			e.abortLocked(err, false)
			return
		}
	}
	e.recordSoftErrorLocked(err)
}

// handleRetransmitTimer retransmits the outstanding SYN, SYN-ACK or FIN, or
// gives up on the connection once the retries are exhausted.
func (e *Endpoint) handleRetransmitTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rtxTimer.checkExpiration() {
		return
	}
	if e.ownedByUser {
		e.rtxTimer.enable(ownerRetryInterval)
		return
	}
	p := e.proto
	switch e.state {
	case StateSynSent:
		if e.retransmits >= p.opts.SynRetries {
			p.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(tcpip.ErrTimeout, false)
			return
		}
		e.retransmits++
		p.stats.TCP.Retransmits.Increment()
		e.maybeReselectSourceLocked()
		e.sendSynLocked()
	case StateSynRecv:
		if e.retransmits >= p.opts.SynAckRetries {
			p.stats.TCP.FailedConnectionAttempts.Increment()
			e.abortLocked(tcpip.ErrTimeout, false)
			return
		}
		e.retransmits++
		p.stats.TCP.Retransmits.Increment()
		e.sendSynLocked()
	case StateFinWait1, StateClosing, StateLastAck:
		if !e.finSent || e.sndUna == e.sndNxt {
			return
		}
		if e.retransmits >= p.opts.Retries {
			p.stats.TCP.EstablishedTimedout.Increment()
			e.abortLocked(tcpip.ErrTimeout, false)
			return
		}
		e.retransmits++
		p.stats.TCP.Retransmits.Increment()
		e.sendFinLocked()
	default:
		return
	}
	e.rtxTimer.enable(p.rtoFor(e.retransmits))
}

// ID returns the 4-tuple of the connection.
func (e *Endpoint) ID() tcpip.TransportEndpointID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// State returns the current state.
func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the pending network error and clears it. Without one, it
// returns the error the connection was torn down with, if any.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.softErr; err != nil {
		e.softErr = nil
		return err
	}
	return e.hardErr
}

// Connected is closed once the handshake completed or failed.
func (e *Endpoint) Connected() <-chan struct{} {
	return e.connected
}

// Done is closed once the connection reached CLOSED or TIME-WAIT.
func (e *Endpoint) Done() <-chan struct{} {
	return e.closed
}

// WaitConnected blocks until the handshake completes and returns its
// outcome.
func (e *Endpoint) WaitConnected(ctx context.Context) error {
	select {
	case <-e.connected:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hardErr
}

// takeErrorLocked returns the error the next operation must fail with.
//
// +checklocks:e.mu
func (e *Endpoint) takeErrorLocked() error {
	if err := e.softErr; err != nil {
		e.softErr = nil
		return err
	}
	return e.hardErr
}

// Write sends p as in-order data. Data is not retransmitted.
func (e *Endpoint) Write(p []byte) (int, error) {
	e.lockSock()
	defer e.releaseSock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeErrorLocked(); err != nil {
		return 0, err
	}
	switch e.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynRecv:
		return 0, tcpip.ErrWouldBlock
	default:
		return 0, tcpip.ErrClosedForSend
	}
	mss := int(e.sndMSS)
	for off := 0; off < len(p); off += mss {
		end := min(off+mss, len(p))
		e.sendRawLocked(header.TCPFlagAck|header.TCPFlagPsh, e.sndNxt, e.rcvNxt, p[off:end])
		e.sndNxt = e.sndNxt.Add(seqnum.Size(end - off))
	}
	return len(p), nil
}

// Read copies received in-order data into p. It returns io.EOF once the
// peer closed and every byte was read.
func (e *Endpoint) Read(p []byte) (int, error) {
	e.lockSock()
	defer e.releaseSock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.rcvBuf) == 0 {
		if err := e.takeErrorLocked(); err != nil {
			return 0, err
		}
		switch e.state {
		case StateEstablished, StateSynSent, StateSynRecv, StateFinWait1, StateFinWait2:
			return 0, tcpip.ErrWouldBlock
		default:
			return 0, io.EOF
		}
	}
	wasClosed := e.rcvWndLocked() == 0
	n := copy(p, e.rcvBuf)
	e.rcvBuf = e.rcvBuf[:copy(e.rcvBuf, e.rcvBuf[n:])]
	if wasClosed && e.state.synchronized() {
		// Window update.
		e.sendAckLocked()
	}
	return n, nil
}

// Close closes the connection on behalf of the application. Unread data
// makes it reset the connection (RFC 2525 section 2.17); otherwise a FIN is
// sent and the connection finishes closing in the background.
func (e *Endpoint) Close() {
	e.lockSock()
	e.mu.Lock()
	if e.orphaned {
		e.mu.Unlock()
		e.releaseSock()
		return
	}
	e.orphaned = true
	switch e.state {
	case StateSynSent:
		e.closeLocked()
	case StateEstablished, StateSynRecv, StateCloseWait:
		if len(e.rcvBuf) > 0 {
			e.abortLocked(nil, true)
			break
		}
		e.shutdownLocked()
	case StateFinWait2:
		e.enterTimeWaitLocked(StateFinWait2, e.proto.opts.LingerTimeout)
	}
	e.mu.Unlock()
	e.releaseSock()
	e.decRef()
}

// shutdownLocked queues and sends our FIN.
//
// +checklocks:e.mu
func (e *Endpoint) shutdownLocked() {
	if e.finSent {
		return
	}
	e.finSent = true
	e.sndNxt++
	if e.state == StateCloseWait {
		e.setStateLocked(StateLastAck)
	} else {
		e.setStateLocked(StateFinWait1)
	}
	e.sendFinLocked()
	e.retransmits = 0
	e.rtxTimer.enable(e.proto.rtoFor(0))
}
