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
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// segment represents a received TCP segment. It holds the parsed header and
// the identity of the endpoint it is addressed to. segment is immutable once
// dispatched, except for next, which links it into a backlog.
type segment struct {
	// next links the segment into an endpoint backlog.
	next *segment

	// nic is the interface the segment arrived on.
	nic tcpip.NICID

	// id is the segment's 4-tuple seen from the receiving side.
	id tcpip.TransportEndpointID

	hdr header.TCP

	// rcvdTime is the arrival time.
	rcvdTime tcpip.MonotonicTime

	// recycledISS is set when the segment retired a TIME_WAIT record. The
	// connection it creates must start above the old connection's
	// sequence space.
	recycledISS seqnum.Value
	recycled    bool
}

func (s *segment) flagIsSet(flag header.TCPFlags) bool {
	return s.hdr.Flags.Contains(flag)
}

// flagsAre returns true if the segment's flags are exactly flags.
func (s *segment) flagsAre(flags header.TCPFlags) bool {
	return s.hdr.Flags&^(header.TCPFlagPsh|header.TCPFlagUrg) == flags
}

// logicalLen is the segment length in the sequence number space. It's defined
// as the data length plus one for each of the SYN and FIN bits set.
func (s *segment) logicalLen() seqnum.Size {
	return s.hdr.SegLen()
}

func (s *segment) payloadLen() seqnum.Size {
	return seqnum.Size(len(s.hdr.Payload))
}

// size is the memory the segment is charged for in a backlog.
func (s *segment) size() int {
	return len(s.hdr.Payload) + header.TCPMinimumSize
}
