// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"fmt"
	"net/netip"
	"time"

	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip/faketime"
	"gvisor.dev/tcptab/pkg/tcpip/link/channel"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

const (
	// labNIC is the only NIC of both lab hosts.
	labNIC = 1

	// minLabQueue is the smallest number of segments a lab link holds.
	minLabQueue = 1024
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
)

// lab is two protocol instances wired back to back over simulated time.
// Segments only move when pump is called, so every scenario is
// deterministic.
type lab struct {
	clock *faketime.ManualClock

	client, server         *tcp.Protocol
	clientLink, serverLink *channel.Endpoint
}

// newLab creates a lab whose protocols are configured by conf. Each link
// holds at least queue segments.
func newLab(conf *config.Config, queue int) (*lab, error) {
	queue = max(queue, minLabQueue)
	l := &lab{
		clock:      faketime.NewManualClock(),
		clientLink: channel.New(queue),
		serverLink: channel.New(queue),
	}
	var err error
	if l.client, err = l.newProtocol(conf, l.clientLink, clientAddr); err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	if l.server, err = l.newProtocol(conf, l.serverLink, serverAddr); err != nil {
		l.client.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	return l, nil
}

func (l *lab) newProtocol(conf *config.Config, link *channel.Endpoint, addr netip.Addr) (*tcp.Protocol, error) {
	rt := route.NewTable()
	rt.AddAddress(labNIC, addr)
	rt.AddRoute(route.Entry{Destination: netip.PrefixFrom(addr, 24).Masked(), NIC: labNIC})

	opts := conf.TCPOptions()
	opts.Clock = l.clock
	opts.Link = link
	opts.Routes = rt
	return tcp.NewProtocol(opts)
}

// pump moves segments between the hosts until both links are idle, and
// returns the number of segments moved.
func (l *lab) pump() int {
	n := 0
	for {
		moved := false
		if p, ok := l.clientLink.Read(); ok {
			l.server.HandleSegment(labNIC, p.Local, p.Remote, p.Segment)
			moved = true
			n++
		}
		if p, ok := l.serverLink.Read(); ok {
			l.client.HandleSegment(labNIC, p.Local, p.Remote, p.Segment)
			moved = true
			n++
		}
		if !moved {
			if n > 0 {
				log.Debugf("lab: pumped %d segments", n)
			}
			return n
		}
	}
}

// advance moves simulated time forward by d, pumping the segments produced
// by timers.
func (l *lab) advance(d time.Duration) {
	l.clock.Advance(d)
	l.pump()
}

func (l *lab) close() {
	l.client.Close()
	l.server.Close()
	l.clientLink.Close()
	l.serverLink.Close()
}
