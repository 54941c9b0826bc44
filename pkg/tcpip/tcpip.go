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

// Package tcpip provides the types shared by the TCP endpoint tables: endpoint
// identifiers, clocks, errors and statistics.
//
// The starting point is the creation of a TCP protocol instance with
// tcp.NewProtocol. Segments are fed to it by the network layer and
// connections are created through its Connect and Listen methods.
package tcpip

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"
)

// NICID is a number that uniquely identifies a NIC. The zero value means "any
// NIC" when used as a binding.
type NICID int32

// FullAddress represents a full transport node address, as required by the
// Connect() and Listen() methods.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to.
	//
	// This may not be used by all endpoint types.
	NIC NICID

	// Addr is the network address. The zero netip.Addr is the wildcard
	// address.
	Addr netip.Addr

	// Port is the transport port.
	Port uint16
}

// String implements fmt.Stringer.
func (a FullAddress) String() string {
	addr := "*"
	if a.Addr.IsValid() {
		addr = a.Addr.String()
	}
	if a.NIC != 0 {
		return fmt.Sprintf("%s:%d%%%d", addr, a.Port, a.NIC)
	}
	return fmt.Sprintf("%s:%d", addr, a.Port)
}

// TransportEndpointID is the identifier of a transport layer protocol
// endpoint: the 4-tuple of a connection, or a partial tuple for listeners.
type TransportEndpointID struct {
	// LocalPort is the local port associated with the endpoint.
	LocalPort uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint.
	LocalAddress netip.Addr

	// RemotePort is the remote port associated with the endpoint.
	RemotePort uint16

	// RemoteAddress it the remote [network layer] address associated with
	// the endpoint.
	RemoteAddress netip.Addr
}

// String implements fmt.Stringer.
func (id TransportEndpointID) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", id.LocalAddress, id.LocalPort, id.RemoteAddress, id.RemotePort)
}

// ControlType is the type of network control message delivered to the
// transport layer.
type ControlType int

// The following are the allowed values for ControlType values.
const (
	// ControlNoRoute means no route towards the remote network exists.
	ControlNoRoute ControlType = iota
	// ControlNetworkUnreachable means the remote network is unreachable.
	ControlNetworkUnreachable
	// ControlHostUnreachable means the remote host is unreachable.
	ControlHostUnreachable
	// ControlPortUnreachable means the remote port is not open.
	ControlPortUnreachable
	// ControlTimedOut means a network layer timer gave up on the
	// destination.
	ControlTimedOut
)

// Hard reports whether the control message must abort connections that are
// still handshaking.
func (c ControlType) Hard() bool {
	return c == ControlPortUnreachable
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// Before reports whether the monotonic clock reading mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the monotonic clock reading mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic clock reading mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{nanoseconds: mt.nanoseconds + int64(d)}
}

// Sub returns the duration mt-u.
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Duration(mt.nanoseconds - u.nanoseconds)
}

// Nanoseconds returns the reading in nanoseconds since an arbitrary origin.
func (mt MonotonicTime) Nanoseconds() int64 {
	return mt.nanoseconds
}

// MonotonicFromNanoseconds builds a reading from nanoseconds since the
// clock's origin.
func MonotonicFromNanoseconds(ns int64) MonotonicTime {
	return MonotonicTime{nanoseconds: ns}
}

// A Clock provides the current time and schedules work.
//
// Times returned by a Clock should always be used for application-visible
// time. Only monotonic times should be used for internal timekeeping.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call
	// using its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration)
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// TCPStats collects TCP-specific stats.
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings *StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via Listen.
	PassiveConnectionOpenings *StatCounter

	// CurrentEstablished is the number of TCP connections for which the
	// current state is either ESTABLISHED or CLOSE-WAIT.
	CurrentEstablished *StatCounter

	// CurrentOpenRequests is the number of half-open connections queued on
	// listeners.
	CurrentOpenRequests *StatCounter

	// CurrentTimeWait is the number of TIME_WAIT records.
	CurrentTimeWait *StatCounter

	// EstablishedResets is the number of times TCP connections have made
	// a direct transition to the CLOSED state from either the
	// ESTABLISHED state or the CLOSE-WAIT state.
	EstablishedResets *StatCounter

	// EstablishedTimedout is the number of connections closed because a
	// control segment was retransmitted too many times.
	EstablishedTimedout *StatCounter

	// ListenOverflowSynDrop is the number of times the listen queue overflowed
	// and a SYN was dropped.
	ListenOverflowSynDrop *StatCounter

	// ListenOverflowAckDrop is the number of times the final ACK
	// in the handshake was dropped due to overflow.
	ListenOverflowAckDrop *StatCounter

	// ListenOverflowSynCookieSent is the number of times a SYN cookie was
	// sent.
	ListenOverflowSynCookieSent *StatCounter

	// ListenOverflowSynCookieRcvd is the number of times a valid SYN
	// cookie was received.
	ListenOverflowSynCookieRcvd *StatCounter

	// ListenOverflowInvalidSynCookieRcvd is the number of times an invalid
	// SYN cookie was received.
	ListenOverflowInvalidSynCookieRcvd *StatCounter

	// OpenRequestsExpired is the number of half-open connections dropped
	// after exhausting their SYN-ACK retransmissions.
	OpenRequestsExpired *StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or Listen
	// (active and passive openings, respectively) that end in an error.
	FailedConnectionAttempts *StatCounter

	// FailedPortReservations is the number of times a port could not be
	// reserved.
	FailedPortReservations *StatCounter

	// ConnectionExistsDrops is the number of matured connections discarded
	// because their 4-tuple was already established.
	ConnectionExistsDrops *StatCounter

	// ValidSegmentsReceived is the number of TCP segments received that
	// the transport layer successfully parsed.
	ValidSegmentsReceived *StatCounter

	// InvalidSegmentsReceived is the number of TCP segments received that
	// the transport layer could not parse.
	InvalidSegmentsReceived *StatCounter

	// SegmentsBacklogged is the number of segments deferred because the
	// connection was owned by a caller.
	SegmentsBacklogged *StatCounter

	// SegmentsSent is the number of TCP segments sent.
	SegmentsSent *StatCounter

	// SegmentSendErrors is the number of TCP segments failed to be sent.
	SegmentSendErrors *StatCounter

	// ResetsSent is the number of TCP resets sent.
	ResetsSent *StatCounter

	// ResetsReceived is the number of TCP resets received.
	ResetsReceived *StatCounter

	// Retransmits is the number of TCP control segments retransmitted.
	Retransmits *StatCounter

	// PAWSRejected is the number of segments rejected by the timestamp
	// check.
	PAWSRejected *StatCounter

	// TimeWaitRecycled is the number of TIME_WAIT records retired early to
	// let a new connection reuse their 4-tuple.
	TimeWaitRecycled *StatCounter

	// TimeWaitKilled is the number of TIME_WAIT records destroyed by a RST.
	TimeWaitKilled *StatCounter

	// TimeWaitExpired is the number of TIME_WAIT records that lived their
	// full lifetime.
	TimeWaitExpired *StatCounter

	// SoftErrors is the number of network errors recorded on connections
	// without closing them.
	SoftErrors *StatCounter
}

// Stats holds statistics about the TCP protocol instance.
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received that
	// could not be demultiplexed to any endpoint.
	UnknownPortRcvdPackets *StatCounter

	// DroppedPackets is the number of packets dropped due to full queues.
	DroppedPackets *StatCounter

	// TCP breaks out TCP-specific stats.
	TCP TCPStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// StatVisitor is called for every counter of a Stats value with its dotted
// path, e.g. "TCP.ResetsSent".
type StatVisitor func(name string, c *StatCounter)

// Visit calls f for every non-nil counter in s in declaration order.
func (s *Stats) Visit(f StatVisitor) {
	visit("", reflect.ValueOf(s).Elem(), f)
}

func visit(prefix string, v reflect.Value, f StatVisitor) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := t.Field(i).Name
		if prefix != "" {
			name = prefix + "." + name
		}
		fv := v.Field(i)
		if s, ok := fv.Interface().(*StatCounter); ok {
			if s != nil {
				f(name, s)
			}
			continue
		}
		if fv.Kind() == reflect.Struct {
			visit(name, fv, f)
		}
	}
}
