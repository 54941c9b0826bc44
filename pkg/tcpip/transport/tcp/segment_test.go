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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

type segmentSizeWants struct {
	LogicalLen seqnum.Size
	MemSize    int
}

func checkSegmentSize(t *testing.T, name string, seg *segment, want segmentSizeWants) {
	t.Helper()
	got := segmentSizeWants{
		LogicalLen: seg.logicalLen(),
		MemSize:    seg.size(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s differs (-want +got):\n%s", name, diff)
	}
}

func TestSegmentSize(t *testing.T) {
	data := &segment{hdr: header.TCP{Flags: header.TCPFlagAck, Payload: make([]byte, 10)}}
	checkSegmentSize(t, "data", data, segmentSizeWants{
		LogicalLen: 10,
		MemSize:    10 + header.TCPMinimumSize,
	})

	synFin := &segment{hdr: header.TCP{Flags: header.TCPFlagSyn | header.TCPFlagFin}}
	checkSegmentSize(t, "SYN-FIN", synFin, segmentSizeWants{
		LogicalLen: 2,
		MemSize:    header.TCPMinimumSize,
	})
}

func TestSegmentQueue(t *testing.T) {
	var q segmentQueue
	q.setLimit(3 * header.TCPMinimumSize)

	segs := make([]*segment, 4)
	for i := range segs {
		segs[i] = &segment{hdr: header.TCP{SeqNum: seqnum.Value(i)}}
	}
	for i, s := range segs[:3] {
		if !q.enqueue(s) {
			t.Fatalf("enqueue(%d) failed below the limit", i)
		}
	}
	if q.enqueue(segs[3]) {
		t.Fatalf("enqueue succeeded over the limit")
	}
	if got, want := q.len(), 3; got != want {
		t.Errorf("len() = %d, want %d", got, want)
	}

	for i := 0; i < 3; i++ {
		s := q.dequeue()
		if s == nil {
			t.Fatalf("dequeue() = nil, want segment %d", i)
		}
		if s.hdr.SeqNum != seqnum.Value(i) {
			t.Errorf("dequeue() returned segment %d, want %d", s.hdr.SeqNum, i)
		}
	}
	if !q.empty() || q.dequeue() != nil {
		t.Errorf("queue not empty after draining it")
	}
	if !q.enqueue(segs[3]) {
		t.Errorf("enqueue failed after draining the queue")
	}
}

func TestSegmentFlagsAre(t *testing.T) {
	s := &segment{hdr: header.TCP{Flags: header.TCPFlagSyn | header.TCPFlagPsh}}
	if !s.flagsAre(header.TCPFlagSyn) {
		t.Errorf("flagsAre(SYN) = false for a SYN with PSH")
	}
	s.hdr.Flags |= header.TCPFlagAck
	if s.flagsAre(header.TCPFlagSyn) {
		t.Errorf("flagsAre(SYN) = true for a SYN-ACK")
	}
}
