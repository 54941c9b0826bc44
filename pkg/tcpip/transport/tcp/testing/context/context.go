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

// Package context provides a test context for use in tcp tests. It also
// provides helper methods to assert/check certain behaviours.
package context

import (
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/checker"
	"gvisor.dev/tcptab/pkg/tcpip/faketime"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/link/channel"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

const (
	// NICID is the id of the nic created by the Context.
	NICID = 1

	// StackPort is used as the listening port in tests for passive
	// connects.
	StackPort = 1234

	// TestPort is the TCP port used for packets sent to the stack
	// via the link layer endpoint.
	TestPort = 4096

	// TestInitialSequenceNumber is the initial sequence number sent in packets that
	// are sent in response to a SYN or in the initial SYN sent to the stack.
	TestInitialSequenceNumber = 789

	// DefaultWindow is the receive window advertised by the test side.
	DefaultWindow = 30000

	// defaultQueueSize is the number of segments the link holds before
	// dropping.
	defaultQueueSize = 1024
)

var (
	// StackAddr is the IPv4 address assigned to the stack.
	StackAddr = netip.MustParseAddr("10.0.0.1")

	// TestAddr is the source address for packets sent to the stack via the
	// link layer endpoint.
	TestAddr = netip.MustParseAddr("10.0.0.2")

	// StackV6Addr is the IPv6 address assigned to the stack.
	StackV6Addr = netip.MustParseAddr("fd00::1")

	// TestV6Addr is the source address for IPv6 packets sent to the stack.
	TestV6Addr = netip.MustParseAddr("fd00::2")
)

// Headers is used to represent the TCP header fields when building a
// new packet.
type Headers struct {
	// SrcPort holds the src port value to be used in the packet.
	SrcPort uint16

	// DstPort holds the destination port value to be used in the packet.
	DstPort uint16

	// SeqNum is the value of the sequence number field in the TCP header.
	SeqNum seqnum.Value

	// AckNum represents the acknowledgement number field in the TCP header.
	AckNum seqnum.Value

	// Flags are the TCP flags in the TCP header.
	Flags header.TCPFlags

	// RcvWnd is the window to be advertised in the ReceiveWindow field of
	// the TCP header.
	RcvWnd seqnum.Size

	// SynOpts are the options of a SYN or SYN-ACK.
	SynOpts *header.TCPSynOptions

	// TS is the timestamp option of other segments.
	TS *header.TCPOptions
}

// Options contains options for creating a new test context.
type Options struct {
	// MTU is the route MTU, 0 if unknown.
	MTU uint32

	// QueueSize is the number of outbound segments the link holds.
	QueueSize int

	// Protocol adjusts the protocol options.
	Protocol func(*tcp.Options)
}

// Context provides an initialized Network stack and a link layer endpoint
// for use in TCP tests.
type Context struct {
	t *testing.T

	// Clock drives every timer of the protocol.
	Clock *faketime.ManualClock

	// Link receives the segments sent by the protocol.
	Link *channel.Endpoint

	// Routes is the route table of the stack.
	Routes *route.Table

	// Proto is the protocol under test.
	Proto *tcp.Protocol

	// EP is the connection created by Connect or PassiveConnect.
	EP *tcp.Endpoint

	// IRS holds the initial sequence number in the SYN sent by endpoint in
	// case of an active connect or the sequence number sent by the endpoint
	// in the SYN-ACK sent in response to a SYN when listening in passive
	// mode.
	IRS seqnum.Value

	// Port holds the port bound by EP below in case of an active connect or
	// the listening port number in case of a passive connect.
	Port uint16
}

// New allocates and initializes a test context containing a new stack and a
// link-layer endpoint.
func New(t *testing.T) *Context {
	return NewWithOpts(t, Options{})
}

// NewWithOpts allocates and initializes a test context containing a new
// stack and a link-layer endpoint with specific options.
func NewWithOpts(t *testing.T, opts Options) *Context {
	t.Helper()

	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	clock := faketime.NewManualClock()
	link := channel.New(opts.QueueSize)
	routes := NewRoutes(StackAddr, StackV6Addr, opts.MTU)

	o := tcp.DefaultOptions()
	o.Clock = clock
	o.Link = link
	o.Routes = routes
	if opts.Protocol != nil {
		opts.Protocol(&o)
	}
	p, err := tcp.NewProtocol(o)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	return &Context{
		t:      t,
		Clock:  clock,
		Link:   link,
		Routes: routes,
		Proto:  p,
	}
}

// NewRoutes returns a route table with v4 and v6 assigned to NICID and
// on-link routes to their subnets.
func NewRoutes(v4, v6 netip.Addr, mtu uint32) *route.Table {
	rt := route.NewTable()
	rt.AddAddress(NICID, v4)
	rt.AddAddress(NICID, v6)
	rt.AddRoute(route.Entry{Destination: netip.PrefixFrom(v4, 24).Masked(), NIC: NICID, MTU: mtu})
	rt.AddRoute(route.Entry{Destination: netip.PrefixFrom(v6, 64).Masked(), NIC: NICID, MTU: mtu})
	return rt
}

// Cleanup closes the context endpoint if required.
func (c *Context) Cleanup() {
	if c.EP != nil {
		c.EP.Close()
	}
	c.Proto.Close()
	c.Link.Close()
}

// Stats returns the statistics of the protocol under test.
func (c *Context) Stats() *tcpip.Stats {
	return c.Proto.Stats()
}

// CheckNoPacket verifies that no packet is queued on the link.
func (c *Context) CheckNoPacket(errMsg string) {
	c.t.Helper()

	if p, ok := c.Link.Read(); ok {
		tcp, _ := p.TCP()
		c.t.Fatalf("%s: got packet %s -> %s %s", errMsg, p.Local, p.Remote, tcp.Describe())
	}
}

// GetPacket reads the next segment sent by the stack. Segments are produced
// synchronously, so it fails the test if none is queued.
func (c *Context) GetPacket() channel.PacketInfo {
	c.t.Helper()

	p, ok := c.Link.Read()
	if !ok {
		c.t.Fatalf("Packet wasn't written out")
	}
	return p
}

// GetPacketNonBlocking reads the next segment sent by the stack, if any.
func (c *Context) GetPacketNonBlocking() (channel.PacketInfo, bool) {
	return c.Link.Read()
}

// GetSegment reads the next segment sent by the stack to TestAddr, runs the
// checkers on it and returns it decoded.
func (c *Context) GetSegment(checkers ...checker.TransportChecker) header.TCP {
	c.t.Helper()

	p := c.GetPacket()
	if p.Local != StackAddr || p.Remote != TestAddr {
		c.t.Fatalf("got packet %s -> %s, want %s -> %s", p.Local, p.Remote, StackAddr, TestAddr)
	}
	if p.NIC != NICID {
		c.t.Fatalf("got packet on nic %d, want %d", p.NIC, NICID)
	}
	return checker.TCP(c.t, p.Local, p.Remote, p.Segment, checkers...)
}

// BuildSegment builds a TCP segment with the provided payload and headers,
// from TestAddr to StackAddr.
func (c *Context) BuildSegment(payload []byte, h *Headers) []byte {
	return c.BuildSegmentWithAddrs(payload, h, TestAddr, StackAddr)
}

// BuildSegmentWithAddrs builds a TCP segment with the provided payload,
// headers and addresses.
func (c *Context) BuildSegmentWithAddrs(payload []byte, h *Headers, src, dst netip.Addr) []byte {
	c.t.Helper()

	b, err := header.EncodeTCP(src, dst, header.TCPFields{
		SrcPort:    h.SrcPort,
		DstPort:    h.DstPort,
		SeqNum:     h.SeqNum,
		AckNum:     h.AckNum,
		Flags:      h.Flags,
		WindowSize: uint16(h.RcvWnd),
		Syn:        h.SynOpts,
		TS:         h.TS,
		Payload:    payload,
	})
	if err != nil {
		c.t.Fatalf("EncodeTCP: %v", err)
	}
	return b
}

// SendPacket builds and sends a TCP segment (with the provided payload &
// TCP headers) in an IPv4 packet via the link layer endpoint.
func (c *Context) SendPacket(payload []byte, h *Headers) {
	c.t.Helper()
	c.SendPacketWithAddrs(payload, h, TestAddr, StackAddr)
}

// SendPacketWithAddrs builds and sends a TCP segment (with the provided
// payload & TCPheaders) in an IPv4 packet via the link layer endpoint using
// the provided source and destination IPv4 addresses.
func (c *Context) SendPacketWithAddrs(payload []byte, h *Headers, src, dst netip.Addr) {
	c.t.Helper()
	c.Proto.HandleSegment(NICID, src, dst, c.BuildSegmentWithAddrs(payload, h, src, dst))
}

// SendAck sends an ACK packet.
func (c *Context) SendAck(seq seqnum.Value, bytesReceived int) {
	c.t.Helper()
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  seq,
		AckNum:  c.IRS.Add(1 + seqnum.Size(bytesReceived)),
		RcvWnd:  DefaultWindow,
	})
}

// Listen creates a listener on StackPort.
func (c *Context) Listen(backlog int) *tcp.Listener {
	c.t.Helper()

	l, err := c.Proto.Listen(tcp.ListenOptions{
		Local:   tcpip.FullAddress{Port: StackPort},
		Backlog: backlog,
	})
	if err != nil {
		c.t.Fatalf("Listen failed: %v", err)
	}
	return l
}

// PassiveConnect completes a handshake from TestPort towards the listener l
// and accepts the connection into c.EP. synOptions are offered in the SYN;
// a nil value offers no options.
func (c *Context) PassiveConnect(l *tcp.Listener, synOptions *header.TCPSynOptions) *tcp.Endpoint {
	c.t.Helper()

	iss := seqnum.Value(TestInitialSequenceNumber)
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagSyn,
		SeqNum:  iss,
		RcvWnd:  DefaultWindow,
		SynOpts: synOptions,
	})

	synAck := c.GetSegment(
		checker.SrcPort(StackPort),
		checker.DstPort(TestPort),
		checker.TCPFlags(header.TCPFlagAck|header.TCPFlagSyn),
		checker.TCPAckNum(iss+1),
	)
	c.IRS = synAck.SeqNum
	c.Port = StackPort

	ack := &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss + 1,
		AckNum:  c.IRS + 1,
		RcvWnd:  DefaultWindow,
	}
	if synOptions != nil && synOptions.TS && synAck.Syn.TS {
		ack.TS = &header.TCPOptions{TS: true, TSVal: synOptions.TSVal + 1, TSEcr: synAck.Syn.TSVal}
	}
	c.SendPacket(nil, ack)

	ep, err := l.Accept()
	if err != nil {
		c.t.Fatalf("Accept failed: %v", err)
	}
	if got, want := ep.State(), tcp.StateEstablished; got != want {
		c.t.Fatalf("Unexpected endpoint state: want %s, got %s", want, got)
	}
	c.EP = ep
	return ep
}

// Connect actively opens c.EP towards TestAddr:TestPort and completes the
// handshake. The SYN-ACK offers synOptions; a nil value offers none.
func (c *Context) Connect(synOptions *header.TCPSynOptions) *tcp.Endpoint {
	c.t.Helper()

	ep, err := c.Proto.Connect(tcp.ConnectOptions{
		Remote: tcpip.FullAddress{Addr: TestAddr, Port: TestPort},
	})
	if err != nil {
		c.t.Fatalf("Connect failed: %v", err)
	}

	syn := c.GetSegment(
		checker.DstPort(TestPort),
		checker.TCPFlags(header.TCPFlagSyn),
	)
	c.IRS = syn.SeqNum
	c.Port = syn.SrcPort

	iss := seqnum.Value(TestInitialSequenceNumber)
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS + 1,
		RcvWnd:  DefaultWindow,
		SynOpts: synOptions,
	})
	c.GetSegment(
		checker.SrcPort(c.Port),
		checker.TCPFlags(header.TCPFlagAck),
		checker.TCPSeqNum(c.IRS+1),
		checker.TCPAckNum(iss+1),
	)

	select {
	case <-ep.Connected():
	default:
		c.t.Fatalf("Connection was not signalled after the handshake")
	}
	if got, want := ep.State(), tcp.StateEstablished; got != want {
		c.t.Fatalf("Unexpected endpoint state: want %s, got %s", want, got)
	}
	c.EP = ep
	return ep
}

// Pair is two protocol instances wired back to back over a shared clock:
// A owns StackAddr and B owns TestAddr.
type Pair struct {
	t *testing.T

	Clock *faketime.ManualClock
	A, B  *tcp.Protocol

	LinkA, LinkB *channel.Endpoint
}

// NewPair creates a Pair. adjust, if not nil, is applied to the options of
// both protocols.
func NewPair(t *testing.T, adjust func(*tcp.Options)) *Pair {
	t.Helper()

	clock := faketime.NewManualClock()
	pr := &Pair{
		t:     t,
		Clock: clock,
		LinkA: channel.New(defaultQueueSize),
		LinkB: channel.New(defaultQueueSize),
	}
	newProto := func(link *channel.Endpoint, v4, v6 netip.Addr) *tcp.Protocol {
		o := tcp.DefaultOptions()
		o.Clock = clock
		o.Link = link
		o.Routes = NewRoutes(v4, v6, 0)
		if adjust != nil {
			adjust(&o)
		}
		p, err := tcp.NewProtocol(o)
		if err != nil {
			t.Fatalf("NewProtocol: %v", err)
		}
		return p
	}
	pr.A = newProto(pr.LinkA, StackAddr, StackV6Addr)
	pr.B = newProto(pr.LinkB, TestAddr, TestV6Addr)
	return pr
}

// Pump moves segments between the two protocols until both links are idle,
// and returns the number of segments moved.
func (pr *Pair) Pump() int {
	n := 0
	for {
		moved := false
		if p, ok := pr.LinkA.Read(); ok {
			pr.B.HandleSegment(NICID, p.Local, p.Remote, p.Segment)
			moved = true
			n++
		}
		if p, ok := pr.LinkB.Read(); ok {
			pr.A.HandleSegment(NICID, p.Local, p.Remote, p.Segment)
			moved = true
			n++
		}
		if !moved {
			return n
		}
	}
}

// Advance moves the shared clock forward by d, pumping the segments
// produced by timers.
func (pr *Pair) Advance(d time.Duration) {
	pr.Clock.Advance(d)
	pr.Pump()
}

// Cleanup closes both protocols.
func (pr *Pair) Cleanup() {
	pr.A.Close()
	pr.B.Close()
	pr.LinkA.Close()
	pr.LinkB.Close()
}
