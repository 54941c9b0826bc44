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
	"time"

	"github.com/google/btree"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
)

// DiagKind is the kind of a diagnostics record.
type DiagKind uint8

// Diagnostics record kinds, in output order.
const (
	DiagListener DiagKind = iota
	DiagOpenRequest
	DiagConnection
	DiagTimeWait
)

// String implements fmt.Stringer.String.
func (k DiagKind) String() string {
	switch k {
	case DiagListener:
		return "listener"
	case DiagOpenRequest:
		return "openrequest"
	case DiagConnection:
		return "connection"
	case DiagTimeWait:
		return "timewait"
	default:
		return fmt.Sprintf("DiagKind(%d)", uint8(k))
	}
}

// DiagRecord describes one socket, in the spirit of /proc/net/tcp.
type DiagRecord struct {
	Kind   DiagKind
	Local  tcpip.FullAddress
	Remote tcpip.FullAddress
	State  EndpointState

	// RxQueue is the unread byte count of connections and the accept
	// queue length of listeners. TxQueue is the unacknowledged byte count
	// of connections and the backlog of listeners.
	RxQueue int
	TxQueue int

	Retransmits int
	OwnerID     uint64

	// RefCount excludes the reference taken to build the record.
	RefCount int64

	// Expires is the time left on the pending timer, 0 if none.
	Expires time.Duration
}

func compareAddr(a, b tcpip.FullAddress) int {
	if a.NIC != b.NIC {
		if a.NIC < b.NIC {
			return -1
		}
		return 1
	}
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

func diagLess(a, b DiagRecord) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if c := compareAddr(a.Local, b.Local); c != 0 {
		return c < 0
	}
	if c := compareAddr(a.Remote, b.Remote); c != 0 {
		return c < 0
	}
	return a.OwnerID < b.OwnerID
}

// Diagnostics returns a snapshot of every listener, open request,
// connection and TIME_WAIT record, ordered by kind and address. The snapshot
// is not atomic across buckets.
func (p *Protocol) Diagnostics() []DiagRecord {
	now := p.clock.NowMonotonic()
	tr := btree.NewG[DiagRecord](16, diagLess)

	// Connections are only referenced under the bucket locks and read
	// afterwards, since their mutex is ordered before the bucket lock.
	var eps []*Endpoint
	p.ehash.visit(func(e *Endpoint) {
		e.incRef()
		eps = append(eps, e)
	}, func(tw *timeWaitRecord) {
		tr.ReplaceOrInsert(tw.diagLocked(now))
	})
	for _, e := range eps {
		tr.ReplaceOrInsert(e.diag())
		e.decRef()
	}

	p.listenersMu.Lock()
	ls := make([]*Listener, 0, len(p.listeners))
	for l := range p.listeners {
		ls = append(ls, l)
	}
	p.listenersMu.Unlock()
	for _, l := range ls {
		for _, r := range l.diag(now) {
			tr.ReplaceOrInsert(r)
		}
	}

	out := make([]DiagRecord, 0, tr.Len())
	tr.Ascend(func(r DiagRecord) bool {
		out = append(out, r)
		return true
	})
	return out
}

// BindBuckets returns a snapshot of the bind table.
func (p *Protocol) BindBuckets() []ports.BucketInfo {
	return p.ports.Snapshot()
}

func (e *Endpoint) diag() DiagRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := DiagRecord{
		Kind:        DiagConnection,
		Local:       tcpip.FullAddress{NIC: e.nic, Addr: e.id.LocalAddress, Port: e.id.LocalPort},
		Remote:      tcpip.FullAddress{Addr: e.id.RemoteAddress, Port: e.id.RemotePort},
		State:       e.state,
		RxQueue:     len(e.rcvBuf),
		TxQueue:     int(e.sndUna.Size(e.sndNxt)),
		Retransmits: e.retransmits,
		OwnerID:     e.ownerID,
		RefCount:    e.refs.Load() - 1,
	}
	if e.rtxTimer.enabled() {
		r.Expires = e.rtxTimer.remaining()
	}
	return r
}

// diagLocked runs with tw's bucket read-locked.
func (tw *timeWaitRecord) diagLocked(now tcpip.MonotonicTime) DiagRecord {
	return DiagRecord{
		Kind:     DiagTimeWait,
		Local:    tcpip.FullAddress{NIC: tw.nic, Addr: tw.id.LocalAddress, Port: tw.id.LocalPort},
		Remote:   tcpip.FullAddress{Addr: tw.id.RemoteAddress, Port: tw.id.RemotePort},
		State:    tw.substate,
		OwnerID:  tw.ownerID,
		RefCount: tw.refs.Load(),
		Expires:  max(tcpip.MonotonicFromNanoseconds(tw.expiry.Load()).Sub(now), 0),
	}
}

func (l *Listener) diag(now tcpip.MonotonicTime) []DiagRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	rs := make([]DiagRecord, 0, len(l.synQueue)+1)
	rs = append(rs, DiagRecord{
		Kind:     DiagListener,
		Local:    l.Addr(),
		State:    StateListen,
		RxQueue:  len(l.acceptQueue),
		TxQueue:  l.backlog,
		OwnerID:  l.owner.ID,
		RefCount: l.refs.Load(),
	})
	for _, req := range l.synQueue {
		rs = append(rs, DiagRecord{
			Kind:        DiagOpenRequest,
			Local:       tcpip.FullAddress{NIC: req.nic, Addr: req.id.LocalAddress, Port: req.id.LocalPort},
			Remote:      tcpip.FullAddress{Addr: req.id.RemoteAddress, Port: req.id.RemotePort},
			State:       StateSynRecv,
			Retransmits: req.retransmits,
			OwnerID:     l.owner.ID,
			Expires:     max(req.expiry.Sub(now), 0),
		})
	}
	return rs
}
