// Copyright 2022 The gVisor Authors.
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
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/faketime"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/link/channel"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
	"gvisor.dev/tcptab/pkg/tcpip/syncookie"
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.2")
)

func newTestProtocol(t *testing.T, adjust func(*Options)) *Protocol {
	t.Helper()
	o := DefaultOptions()
	o.Clock = faketime.NewManualClock()
	o.Link = channel.New(64)
	if adjust != nil {
		adjust(&o)
	}
	p, err := NewProtocol(o)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func testID(localPort, remotePort uint16) tcpip.TransportEndpointID {
	return tcpip.TransportEndpointID{
		LocalPort:     localPort,
		LocalAddress:  localAddr,
		RemotePort:    remotePort,
		RemoteAddress: remoteAddr,
	}
}

func TestEstablishedInsertUnique(t *testing.T) {
	p := newTestProtocol(t, nil)
	id := testID(80, 5000)

	const racers = 32
	eps := make([]*Endpoint, racers)
	for i := range eps {
		eps[i] = newEndpoint(p, id, 0)
	}
	var wins atomic.Int32
	var g errgroup.Group
	for _, e := range eps {
		e := e
		g.Go(func() error {
			switch err := p.ehash.insert(e); err {
			case nil:
				wins.Add(1)
			case tcpip.ErrConnectionExists:
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("got %d successful inserts of the same 4-tuple, want 1", got)
	}

	got, tw := p.ehash.lookup(id, 1)
	if got == nil || tw != nil {
		t.Fatalf("lookup(%s) = %v, %v; want the inserted endpoint", id, got, tw)
	}
	got.decRef()
	if !p.ehash.remove(got) {
		t.Fatalf("remove of a hashed endpoint failed")
	}
	got.decRef()
	if got, _ := p.ehash.lookup(id, 1); got != nil {
		t.Fatalf("endpoint still found after remove")
	}
}

func TestEstablishedLookupDevice(t *testing.T) {
	p := newTestProtocol(t, nil)
	id := testID(80, 5000)
	e := newEndpoint(p, id, 2)
	if err := p.ehash.insert(e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got, _ := p.ehash.lookup(id, 1); got != nil {
		got.decRef()
		t.Errorf("endpoint bound to nic 2 found from nic 1")
	}
	got, _ := p.ehash.lookup(id, 2)
	if got != e {
		t.Fatalf("lookup from nic 2 = %v, want %v", got, e)
	}
	got.decRef()
	p.ehash.remove(e)
	e.decRef()
}

func TestReplaceWithTimeWait(t *testing.T) {
	p := newTestProtocol(t, nil)
	id := testID(80, 5000)
	e := newEndpoint(p, id, 0)
	if err := p.ehash.insert(e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			ep, tw := p.ehash.lookup(id, 1)
			switch {
			case ep == nil && tw == nil:
				return fmt.Errorf("lookup of %s found neither the connection nor its TIME_WAIT record", id)
			case ep != nil:
				ep.decRef()
			default:
				tw.decRef()
			}
		}
	})

	tw := &timeWaitRecord{proto: p, id: id, substate: StateTimeWait}
	if !p.ehash.replaceWithTimeWait(e, tw) {
		t.Fatalf("replaceWithTimeWait failed")
	}
	e.decRef()
	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if ep, got := p.ehash.lookup(id, 1); ep != nil || got != tw {
		t.Fatalf("lookup after replace = %v, %v; want the record", ep, got)
	}
	tw.decRef()
	if est, tws := p.ehash.counts(); est != 0 || tws != 1 {
		t.Errorf("counts() = %d, %d; want 0, 1", est, tws)
	}
	if !p.ehash.removeTimeWait(tw) {
		t.Fatalf("removeTimeWait failed")
	}
	if p.ehash.removeTimeWait(tw) {
		t.Errorf("second removeTimeWait succeeded")
	}
	tw.decRef()
}

func TestInsertConnectingRecycle(t *testing.T) {
	p := newTestProtocol(t, nil)
	id := testID(80, 5000)
	e := newEndpoint(p, id, 0)
	if err := p.ehash.insert(e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tw := &timeWaitRecord{proto: p, id: id, substate: StateTimeWait}
	if !p.ehash.replaceWithTimeWait(e, tw) {
		t.Fatalf("replaceWithTimeWait failed")
	}
	e.decRef()
	inUse := p.ehash.arena.inUse()

	c := newEndpoint(p, id, 0)
	if ok, got := p.ehash.insertConnecting(c, func(*timeWaitRecord) bool { return false }); ok || got != nil {
		t.Fatalf("insertConnecting over a kept record = %t, %v; want false, nil", ok, got)
	}
	if !tw.hashed.Load() {
		t.Fatalf("refused recycling unlinked the record")
	}

	ok, got := p.ehash.insertConnecting(c, func(r *timeWaitRecord) bool { return r == tw })
	if !ok || got != tw {
		t.Fatalf("insertConnecting = %t, %v; want true and the record", ok, got)
	}
	if tw.hashed.Load() {
		t.Errorf("recycled record still hashed")
	}
	if got := p.ehash.arena.inUse(); got != inUse {
		t.Errorf("got %d slots in use, want %d: the connection must take over the record's slot", got, inUse)
	}
	if est, tws := p.ehash.counts(); est != 1 || tws != 0 {
		t.Errorf("counts() = %d, %d; want 1, 0", est, tws)
	}
	ep, _ := p.ehash.lookup(id, 1)
	if ep != c {
		t.Fatalf("lookup after recycling = %v, want %v", ep, c)
	}
	ep.decRef()
	p.ehash.remove(c)
	c.decRef()
	tw.decRef()
}

func TestRehash(t *testing.T) {
	p := newTestProtocol(t, nil)
	oldID := testID(80, 5000)
	newID := oldID
	newID.LocalAddress = netip.MustParseAddr("10.0.0.3")

	e := newEndpoint(p, oldID, 0)
	if err := p.ehash.insert(e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	blocker := newEndpoint(p, newID, 0)
	if err := p.ehash.insert(blocker); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := p.ehash.rehash(e, newID); err != tcpip.ErrConnectionExists {
		t.Fatalf("rehash onto a used 4-tuple = %v, want %v", err, tcpip.ErrConnectionExists)
	}
	p.ehash.remove(blocker)
	blocker.decRef()

	if err := p.ehash.rehash(e, newID); err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if got, _ := p.ehash.lookup(oldID, 1); got != nil {
		got.decRef()
		t.Errorf("endpoint still found under its old 4-tuple")
	}
	got, _ := p.ehash.lookup(newID, 1)
	if got != e {
		t.Fatalf("lookup(%s) = %v, want %v", newID, got, e)
	}
	got.decRef()
	p.ehash.remove(e)
	e.decRef()
}

func TestTimeWaitRing(t *testing.T) {
	at := func(d time.Duration) tcpip.MonotonicTime {
		return tcpip.MonotonicFromNanoseconds(int64(d))
	}
	var r timeWaitRing
	r.init(time.Second, at(0))

	short := &timeWaitRecord{}
	long := &timeWaitRecord{}
	moved := &timeWaitRecord{}
	late := &timeWaitRecord{}
	r.schedule(short, 3*time.Second, at(0))
	r.schedule(long, 10*time.Second, at(0))
	r.schedule(moved, 2*time.Second, at(0))
	// Rescheduling leaves a stale entry behind.
	r.schedule(moved, 5*time.Second, at(0))
	// Off the grid: rounded up to the next instant.
	r.schedule(late, 2*time.Second, at(1500*time.Millisecond))

	expiredAt := make(map[*timeWaitRecord]int)
	for sec := 1; sec <= 2*timeWaitSlots; sec++ {
		for _, tw := range r.advance(at(time.Duration(sec) * time.Second)) {
			if _, ok := expiredAt[tw]; ok {
				t.Fatalf("record expired twice")
			}
			expiredAt[tw] = sec
		}
	}
	want := map[*timeWaitRecord]int{short: 3, moved: 5, long: 10, late: 4}
	for tw, sec := range want {
		if got := expiredAt[tw]; got != sec {
			t.Errorf("record expected at %ds expired at %ds", sec, got)
		}
	}
	if n := r.len(); n != 0 {
		t.Errorf("ring still holds %d entries", n)
	}
}

func TestTimeWaitRingCatchUp(t *testing.T) {
	var r timeWaitRing
	r.init(100*time.Millisecond, tcpip.MonotonicTime{})
	tw := &timeWaitRecord{}
	r.schedule(tw, 800*time.Millisecond, tcpip.MonotonicTime{})

	// One late call processes every slot that fell due.
	if got := r.advance(tcpip.MonotonicFromNanoseconds(int64(700 * time.Millisecond))); len(got) != 0 {
		t.Fatalf("got %d records expired at 700ms, want 0", len(got))
	}
	if got := r.advance(tcpip.MonotonicFromNanoseconds(int64(time.Second))); len(got) != 1 || got[0] != tw {
		t.Fatalf("got %d records expired at 1s, want 1", len(got))
	}
	if got, want := r.nextAdvance(), tcpip.MonotonicFromNanoseconds(int64(1100*time.Millisecond)); got != want {
		t.Errorf("got nextAdvance() = %v, want %v", got, want)
	}
}

func TestCookieSynAck(t *testing.T) {
	p := newTestProtocol(t, func(o *Options) { o.MSS = 1460 })
	l := &Listener{proto: p}
	const irs = seqnum.Value(7000)
	s := &segment{
		id: testID(80, 5000),
		hdr: header.TCP{
			SeqNum: irs,
			Flags:  header.TCPFlagSyn,
			Syn:    header.TCPSynOptions{MSS: 1460, WS: 7, TS: true, TSVal: 42, SACKPermitted: true},
		},
	}

	f := l.cookieSynAck(s)
	if f.Flags != header.TCPFlagSyn|header.TCPFlagAck || f.AckNum != irs+1 {
		t.Fatalf("got flags %s ack %d, want SYN-ACK acknowledging %d", f.Flags, f.AckNum, irs+1)
	}
	if f.Syn == nil || !f.Syn.TS || f.Syn.TSEcr != 42 {
		t.Fatalf("got SYN options %+v, want timestamps echoing 42", f.Syn)
	}
	ho := p.negotiate(s.hdr.Syn)
	want := syncookie.Options{MSS: ho.mss, WS: ho.sndWndScale, SACKPermitted: ho.sack, TS: ho.ts}
	got, ok := p.jar.Check(s.id, f.SeqNum, irs, p.clock.Now())
	if !ok {
		t.Fatalf("sequence number %d is not a valid cookie", f.SeqNum)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cookie options mismatch (-want +got):\n%s", diff)
	}
	if n := p.stats.TCP.CurrentOpenRequests.Value(); n != 0 {
		t.Errorf("got CurrentOpenRequests = %d, want 0", n)
	}
}

func TestListenTableLookup(t *testing.T) {
	addr := localAddr
	other := netip.MustParseAddr("10.0.0.9")
	wildcard := &Listener{port: 80}
	bound := &Listener{port: 80, addr: addr}
	device := &Listener{port: 80, nic: 1}
	exact := &Listener{port: 80, addr: addr, nic: 1}
	otherPort := &Listener{port: 80 + listenChains}

	var lt listenTable
	for _, l := range []*Listener{otherPort, wildcard, bound, device} {
		lt.insert(l)
	}

	tests := []struct {
		name string
		addr netip.Addr
		nic  tcpip.NICID
		want *Listener
	}{
		{"address beats wildcard", addr, 2, bound},
		{"device beats address", addr, 1, device},
		{"only wildcard matches", other, 2, wildcard},
		{"device for other address", other, 1, device},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := lt.lookup(test.addr, 80, test.nic)
			if got != test.want {
				t.Errorf("lookup(%s, 80, %d) = %+v, want %+v", test.addr, test.nic, got, test.want)
			}
			if got != nil {
				got.decRef()
			}
		})
	}

	lt.insert(exact)
	if got := lt.lookup(addr, 80, 1); got != exact {
		t.Errorf("lookup with an exact listener = %+v, want %+v", got, exact)
	}
	if got, want := lt.count(80), 4; got != want {
		t.Errorf("count(80) = %d, want %d", got, want)
	}
	if !lt.remove(exact) || lt.remove(exact) {
		t.Errorf("remove is not idempotent")
	}
}

func TestListenTableChurn(t *testing.T) {
	var lt listenTable
	stable := &Listener{port: 443}
	lt.insert(stable)

	stop := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				l := lt.lookup(localAddr, 443, 1)
				if l == nil {
					return fmt.Errorf("lookup missed the stable listener")
				}
				if l.port != 443 {
					return fmt.Errorf("lookup for port 443 returned a listener on port %d", l.port)
				}
				l.decRef()
			}
		})
	}
	for i := 0; i < 1000; i++ {
		l := &Listener{port: uint16(443 + listenChains*(i%4)), addr: localAddr}
		lt.insert(l)
		lt.remove(l)
	}
	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := lt.count(443); got != 1 {
		t.Errorf("count(443) = %d, want 1", got)
	}
}

func TestRetransmitSchedule(t *testing.T) {
	got := retransmitSchedule(time.Second, 8*time.Second, 6)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("retransmitSchedule mismatch (-want +got):\n%s", diff)
	}
}

func TestRecycledISS(t *testing.T) {
	for _, sndNxt := range []seqnum.Value{0, 1000, 0xffffffff - recycleISSGap + 1} {
		iss := recycledISS(sndNxt)
		if iss == 0 {
			t.Errorf("recycledISS(%d) = 0", sndNxt)
		}
		if d := sndNxt.Size(iss); d < recycleISSGap {
			t.Errorf("recycledISS(%d) = %d, only %d ahead", sndNxt, iss, d)
		}
	}
}

func TestSecureISNDiffers(t *testing.T) {
	p := newTestProtocol(t, nil)
	a := p.secureISN(testID(80, 5000))
	b := p.secureISN(testID(80, 5001))
	if a == b {
		t.Errorf("secureISN returned %d for two 4-tuples", a)
	}
	clock := p.clock.(*faketime.ManualClock)
	clock.Advance(time.Millisecond)
	if c := p.secureISN(testID(80, 5000)); c == a {
		t.Errorf("secureISN did not advance with the clock")
	}
}
