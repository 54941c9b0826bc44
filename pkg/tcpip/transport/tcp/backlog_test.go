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
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

const (
	backlogIRS = seqnum.Value(1000)
	backlogISS = seqnum.Value(5000)
)

// newEstablishedForTest returns an unhashed established endpoint expecting
// data at backlogIRS+1. It has no route, so it sends nothing.
func newEstablishedForTest(p *Protocol) *Endpoint {
	e := newEndpoint(p, testID(80, 5000), 0)
	e.mu.Lock()
	e.state = StateEstablished
	e.irs = backlogIRS
	e.rcvNxt = backlogIRS + 1
	e.iss = backlogISS
	e.sndUna = backlogISS + 1
	e.sndNxt = backlogISS + 1
	e.mu.Unlock()
	return e
}

func dataSegment(seq seqnum.Value, data string) *segment {
	return &segment{
		id: testID(80, 5000),
		hdr: header.TCP{
			SeqNum:     seq,
			AckNum:     backlogISS + 1,
			Flags:      header.TCPFlagAck,
			WindowSize: 0xffff,
			Payload:    []byte(data),
		},
	}
}

func rcvBufOf(e *Endpoint) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.rcvBuf...)
}

func TestBacklogReplayOrder(t *testing.T) {
	p := newTestProtocol(t, nil)
	e := newEstablishedForTest(p)

	e.lockSock()
	seq := backlogIRS + 1
	for _, chunk := range []string{"ab", "cd", "ef"} {
		e.deliver(dataSegment(seq, chunk))
		seq = seq.Add(seqnum.Size(len(chunk)))
	}
	if got := rcvBufOf(e); len(got) != 0 {
		t.Errorf("owned endpoint processed %q", got)
	}
	if got := p.Stats().TCP.SegmentsBacklogged.Value(); got != 3 {
		t.Errorf("got SegmentsBacklogged = %d, want 3", got)
	}
	e.releaseSock()

	if got, want := rcvBufOf(e), []byte("abcdef"); !bytes.Equal(got, want) {
		t.Errorf("got %q after releaseSock, want %q", got, want)
	}

	// Without an owner segments are processed immediately.
	e.deliver(dataSegment(seq, "gh"))
	if got, want := rcvBufOf(e), []byte("abcdefgh"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBacklogLimit(t *testing.T) {
	p := newTestProtocol(t, nil)
	e := newEstablishedForTest(p)
	e.mu.Lock()
	e.backlog.setLimit(2 * header.TCPMinimumSize)
	e.mu.Unlock()

	e.lockSock()
	for i := 0; i < 3; i++ {
		e.deliver(dataSegment(backlogIRS+1, ""))
	}
	e.releaseSock()
	if got := p.Stats().TCP.SegmentsBacklogged.Value(); got != 2 {
		t.Errorf("got SegmentsBacklogged = %d, want 2", got)
	}
	if got := p.Stats().DroppedPackets.Value(); got != 1 {
		t.Errorf("got DroppedPackets = %d, want 1", got)
	}
}

// TestBacklogConcurrentOwner delivers in-order data while another goroutine
// keeps taking and releasing ownership. Out of order segments are discarded
// by the receiver, so any reordering between the backlog and the fast path
// would lose data.
func TestBacklogConcurrentOwner(t *testing.T) {
	const segments = 500
	p := newTestProtocol(t, nil)
	e := newEstablishedForTest(p)

	var want bytes.Buffer
	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		seq := backlogIRS + 1
		for i := 0; i < segments; i++ {
			chunk := fmt.Sprintf("%04d", i)
			want.WriteString(chunk)
			e.deliver(dataSegment(seq, chunk))
			seq = seq.Add(seqnum.Size(len(chunk)))
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			e.lockSock()
			e.releaseSock()
		}
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := rcvBufOf(e); !bytes.Equal(got, want.Bytes()) {
		t.Errorf("received %d bytes out of order or incomplete, want %d", len(got), want.Len())
	}
	e.mu.Lock()
	pending := !e.backlog.empty()
	e.mu.Unlock()
	if pending {
		t.Errorf("backlog not empty after the last releaseSock")
	}
}
