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

package tcp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// timeWaitSlots is the number of slots of the TIME_WAIT ring.
const timeWaitSlots = 8

// timeWaitRecord is what is left of a closed connection during TIME_WAIT, or
// of an orphaned one lingering in FIN_WAIT_2. It replaces the connection in
// the established table and is much smaller.
type timeWaitRecord struct {
	proto   *Protocol
	id      tcpip.TransportEndpointID
	nic     tcpip.NICID
	owner   *ports.Owner
	ownerID uint64

	refs   atomic.Int64
	hashed atomic.Bool

	// expiry is the deadline in monotonic nanoseconds. It is only
	// informational.
	expiry atomic.Int64

	// schedSeq identifies the latest scheduling in the ring. It is
	// protected by the ring's mutex.
	schedSeq uint64

	// The fields below are protected by the lock of the bucket the record
	// is hashed into.
	slot          slotIndex
	substate      EndpointState
	sndNxt        seqnum.Value
	rcvNxt        seqnum.Value
	rcvWnd        uint16
	tsOK          bool
	tsOffset      uint32
	tsRecent      uint32
	tsRecentStamp tcpip.MonotonicTime
	hasTSStamp    bool
}

func (tw *timeWaitRecord) incRef() {
	tw.refs.Add(1)
}

func (tw *timeWaitRecord) decRef() {
	switch n := tw.refs.Add(-1); {
	case n == 0:
		if tw.hashed.Load() {
			panic(fmt.Sprintf("tcp: TIME_WAIT record %s released while still hashed", tw.id))
		}
	case n < 0:
		panic(fmt.Sprintf("tcp: TIME_WAIT record %s reference count went negative", tw.id))
	}
}

func (tw *timeWaitRecord) tsOptionsLocked() *header.TCPOptions {
	if !tw.tsOK {
		return nil
	}
	return &header.TCPOptions{TS: true, TSVal: tw.proto.tsNow() + tw.tsOffset, TSEcr: tw.tsRecent}
}

type timeWaitEntry struct {
	tw     *timeWaitRecord
	seq    uint64
	rounds int
}

// timeWaitRing is a timer wheel of TIME_WAIT records. Its slots are
// processed on a fixed grid of instants, one interval apart. A record is
// rescheduled by adding a new entry; the entries it leaves behind are
// recognized as stale by their sequence number and skipped.
type timeWaitRing struct {
	interval time.Duration

	mu sync.Mutex
	// +checklocks:mu
	slots [timeWaitSlots][]timeWaitEntry
	// +checklocks:mu
	cur int
	// +checklocks:mu
	seq uint64
	// next is when slot cur is processed.
	// +checklocks:mu
	next tcpip.MonotonicTime
}

func (r *timeWaitRing) init(interval time.Duration, now tcpip.MonotonicTime) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	r.interval = interval
	r.mu.Lock()
	r.next = now.Add(interval)
	r.mu.Unlock()
}

// schedule arranges for tw to expire d from now, superseding any earlier
// schedule. The record expires on the first grid instant no earlier than
// now+d, so less than one interval after it.
func (r *timeWaitRing) schedule(tw *timeWaitRecord, d time.Duration, now tcpip.MonotonicTime) {
	deadline := now.Add(d)
	r.mu.Lock()
	ticks := 0
	if wait := deadline.Sub(r.next); wait > 0 {
		ticks = int((wait + r.interval - 1) / r.interval)
	}
	r.seq++
	tw.schedSeq = r.seq
	slot := (r.cur + ticks) % timeWaitSlots
	r.slots[slot] = append(r.slots[slot], timeWaitEntry{tw: tw, seq: r.seq, rounds: ticks / timeWaitSlots})
	r.mu.Unlock()
	tw.expiry.Store(deadline.Nanoseconds())
}

// advance processes every slot whose instant is at or before now and
// returns the records that expired.
func (r *timeWaitRing) advance(now tcpip.MonotonicTime) []*timeWaitRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*timeWaitRecord
	for !now.Before(r.next) {
		var keep []timeWaitEntry
		for _, e := range r.slots[r.cur] {
			if e.seq != e.tw.schedSeq {
				continue
			}
			if e.rounds > 0 {
				e.rounds--
				keep = append(keep, e)
				continue
			}
			expired = append(expired, e.tw)
		}
		r.slots[r.cur] = keep
		r.cur = (r.cur + 1) % timeWaitSlots
		r.next = r.next.Add(r.interval)
	}
	return expired
}

// nextAdvance returns when the next slot is due.
func (r *timeWaitRing) nextAdvance() tcpip.MonotonicTime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// len returns the number of entries in the ring, stale ones included.
func (r *timeWaitRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		n += len(s)
	}
	return n
}

// enterTimeWaitLocked replaces e in the established table with a TIME_WAIT
// record in the given substate that lives for timeout. The record takes
// over e's port claim.
//
// +checklocks:e.mu
func (e *Endpoint) enterTimeWaitLocked(substate EndpointState, timeout time.Duration) {
	p := e.proto
	tw := &timeWaitRecord{
		proto:         p,
		id:            e.id,
		nic:           e.nic,
		owner:         e.owner,
		ownerID:       e.ownerID,
		substate:      substate,
		sndNxt:        e.sndNxt,
		rcvNxt:        e.rcvNxt,
		rcvWnd:        e.advertisedWindowLocked(),
		tsOK:          e.tsOK,
		tsOffset:      e.tsOffset,
		tsRecent:      e.tsRecent,
		tsRecentStamp: e.tsRecentStamp,
		hasTSStamp:    e.hasTSStamp,
	}
	e.rtxTimer.cleanup()
	if !p.ehash.replaceWithTimeWait(e, tw) {
		e.closeLocked()
		return
	}
	e.owner = nil
	e.setStateLocked(substate)
	p.stats.TCP.CurrentTimeWait.Increment()
	p.twRing.schedule(tw, timeout, p.clock.NowMonotonic())
	e.signalClosedLocked()
	// The table's reference moved to the record.
	e.decRef()
}

// advanceTimeWait expires the records of every ring slot due by now.
func (p *Protocol) advanceTimeWait(now tcpip.MonotonicTime) {
	for _, tw := range p.twRing.advance(now) {
		if p.ehash.removeTimeWait(tw) {
			p.stats.TCP.TimeWaitExpired.Increment()
			p.retireTimeWait(tw)
		}
	}
}

// retireTimeWait finishes the teardown of an unlinked record.
func (p *Protocol) retireTimeWait(tw *timeWaitRecord) {
	p.stats.TCP.CurrentTimeWait.Decrement()
	if tw.owner != nil {
		p.ports.ReleasePort(tw.owner)
	}
	tw.decRef()
}

// killTimeWait removes tw ahead of its expiry.
func (p *Protocol) killTimeWait(tw *timeWaitRecord) {
	if p.ehash.removeTimeWait(tw) {
		p.stats.TCP.TimeWaitKilled.Increment()
		p.retireTimeWait(tw)
	}
}

type timeWaitAction int

const (
	twDrop timeWaitAction = iota
	twAck
	twRst
	twKill
	twRstKill
	twRecycle
)

// handleTimeWaitSegment processes a segment addressed to tw. It returns
// gone if the record vanished before it could be examined, and recycle with
// the initial sequence number to use if a new SYN retired the record and
// must be handed to a listener.
func (p *Protocol) handleTimeWaitSegment(tw *timeWaitRecord, s *segment) (iss seqnum.Value, recycle, gone bool) {
	var (
		act      timeWaitAction
		seq, ack seqnum.Value
		wnd      uint16
		ts       *header.TCPOptions
	)
	now := p.clock.NowMonotonic()
	ran, unlinked := p.ehash.withTimeWait(tw, func() bool {
		act, iss = p.processTimeWaitLocked(tw, s, now)
		seq, ack, wnd = tw.sndNxt, tw.rcvNxt, tw.rcvWnd
		ts = tw.tsOptionsLocked()
		return act == twKill || act == twRstKill || act == twRecycle
	})
	if !ran {
		return 0, false, true
	}
	if unlinked {
		if act == twRecycle {
			p.stats.TCP.TimeWaitRecycled.Increment()
		} else {
			p.stats.TCP.TimeWaitKilled.Increment()
		}
		p.retireTimeWait(tw)
	}
	switch act {
	case twAck:
		p.sendAck(s, seq, ack, wnd, ts)
	case twRst, twRstKill:
		p.replyWithReset(s)
	}
	return iss, act == twRecycle, false
}

// processTimeWaitLocked decides what to do with a segment for tw, following
// RFC 793 page 69 and RFC 1337. It runs with tw's bucket locked.
func (p *Protocol) processTimeWaitLocked(tw *timeWaitRecord, s *segment, now tcpip.MonotonicTime) (timeWaitAction, seqnum.Value) {
	if tw.substate == StateFinWait2 {
		return p.processFinWait2Locked(tw, s, now), 0
	}

	o := s.hdr.Options
	paws := tw.tsOK && o.TS && int32(o.TSVal-tw.tsRecent) < 0

	if s.flagIsSet(header.TCPFlagRst) {
		// RFC 1337: RSTs would otherwise assassinate TIME_WAIT.
		if paws || p.opts.RFC1337 {
			return twDrop, 0
		}
		return twKill, 0
	}

	if s.flagsAre(header.TCPFlagSyn) {
		// A new incarnation is allowed if it cannot be confused with the
		// old one: its sequence number is past everything received, or
		// its timestamp is newer.
		newer := tw.rcvNxt.LessThan(s.hdr.SeqNum) || (tw.tsOK && o.TS && int32(o.TSVal-tw.tsRecent) > 0)
		if !paws && newer {
			return twRecycle, recycledISS(tw.sndNxt)
		}
		return twAck, 0
	}

	if paws {
		p.stats.TCP.PAWSRejected.Increment()
		return twAck, 0
	}
	if s.flagIsSet(header.TCPFlagSyn) {
		return twRst, 0
	}
	if !s.flagIsSet(header.TCPFlagAck) {
		return twDrop, 0
	}

	if s.flagIsSet(header.TCPFlagFin) && s.hdr.SeqNum.Add(s.logicalLen()) == tw.rcvNxt {
		// The peer retransmitted its FIN, so our ACK was lost. ACK it
		// again and restart the timeout.
		if tw.tsOK && o.TS {
			tw.tsRecent = o.TSVal
			tw.tsRecentStamp = now
			tw.hasTSStamp = true
		}
		p.twRing.schedule(tw, p.opts.TimeWaitTimeout, now)
		return twAck, 0
	}
	if s.hdr.SeqNum == tw.rcvNxt && s.logicalLen() == 0 {
		return twDrop, 0
	}
	return twAck, 0
}

// processFinWait2Locked handles a segment for a lingering orphan that has
// not seen the peer's FIN yet.
func (p *Protocol) processFinWait2Locked(tw *timeWaitRecord, s *segment, now tcpip.MonotonicTime) timeWaitAction {
	o := s.hdr.Options
	if tw.tsOK && o.TS && !s.flagIsSet(header.TCPFlagRst) && int32(o.TSVal-tw.tsRecent) < 0 {
		p.stats.TCP.PAWSRejected.Increment()
		return twAck
	}
	if s.hdr.SeqNum != tw.rcvNxt {
		if s.flagIsSet(header.TCPFlagRst) {
			return twDrop
		}
		return twAck
	}
	switch {
	case s.flagIsSet(header.TCPFlagRst):
		return twKill
	case s.flagIsSet(header.TCPFlagSyn), len(s.hdr.Payload) > 0:
		// Nobody is left to read data.
		return twRstKill
	case s.flagIsSet(header.TCPFlagFin):
		tw.rcvNxt++
		tw.substate = StateTimeWait
		if tw.tsOK && o.TS {
			tw.tsRecent = o.TSVal
			tw.tsRecentStamp = now
			tw.hasTSStamp = true
		}
		p.twRing.schedule(tw, p.opts.TimeWaitTimeout, now)
		return twAck
	default:
		return twDrop
	}
}
