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
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// recycleISSGap is added to the final sequence number of a recycled
// TIME_WAIT record to get the initial sequence number of its successor,
// leaving a full unscaled window of margin.
const recycleISSGap = 65535 + 2

// secureISN generates a secure Initial Sequence number based on the
// recommendation here https://tools.ietf.org/html/rfc6528#page-3.
func (p *Protocol) secureISN(id tcpip.TransportEndpointID) seqnum.Value {
	// The time period here is 64ns. This is similar to what linux uses
	// generate a sequence number that overlaps less than one
	// time per MSL (2 minutes).
	//
	// A 64ns clock ticks 10^9/64 = 15625000) times in a second.
	// To wrap the whole 32 bit space would require
	// 2^32/1562500 ~ 274 seconds.
	//
	// Which sort of guarantees that we won't reuse the ISN for a new
	// connection for the same tuple for at least 274s.
	isn := uint32(hashTuple(p.isnSeed, id)) + uint32(p.clock.NowMonotonic().Nanoseconds()>>6)
	return seqnum.Value(isn)
}

// recycledISS returns the initial sequence number of a connection replacing a
// TIME_WAIT record whose last sent sequence number was sndNxt. 0 is skipped
// so that the value can be told apart from "unset".
func recycledISS(sndNxt seqnum.Value) seqnum.Value {
	iss := sndNxt.Add(recycleISSGap)
	if iss == 0 {
		iss = 1
	}
	return iss
}

// timestampOffset returns the per-connection offset of the timestamp clock,
// so that timestamps do not leak the host uptime.
func (p *Protocol) timestampOffset(id tcpip.TransportEndpointID) uint32 {
	return uint32(hashTuple(p.tsSeed, id) >> 32)
}

// tsNow returns the timestamp clock in milliseconds.
func (p *Protocol) tsNow() uint32 {
	return uint32(p.clock.NowMonotonic().Nanoseconds() / int64(time.Millisecond))
}
