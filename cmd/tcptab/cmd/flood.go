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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

// floodFirstPort is the source port of the first flood SYN.
const floodFirstPort = 10000

// Flood implements subcommands.Command for the "flood" command.
type Flood struct {
	syns    int
	senders int
	backlog int
	port    uint
}

// Name implements subcommands.Command.Name.
func (*Flood) Name() string {
	return "flood"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Flood) Synopsis() string {
	return "flood a listener with SYNs and check that a real client still gets through"
}

// Usage implements subcommands.Command.Usage.
func (*Flood) Usage() string {
	return `flood [flags] - send SYNs from many ports to a listener without completing them.

Once the SYN queue is full the listener answers with SYN cookies, if enabled,
so a client completing its handshake afterwards is still accepted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fl *Flood) SetFlags(f *flag.FlagSet) {
	f.IntVar(&fl.syns, "syns", 10000, "number of SYNs to send.")
	f.IntVar(&fl.senders, "senders", 4, "number of concurrent senders.")
	f.IntVar(&fl.backlog, "backlog", 128, "listen backlog.")
	f.UintVar(&fl.port, "port", 80, "port the server listens on.")
}

// Execute implements subcommands.Command.Execute.
func (fl *Flood) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if fl.port > 0xffff {
		log.Warningf("port must be in [1, 65535]")
		return subcommands.ExitUsageError
	}
	opts := floodOptions{syns: fl.syns, senders: fl.senders, backlog: fl.backlog, port: uint16(fl.port)}
	if err := opts.validate(); err != nil {
		log.Warningf("invalid flood options: %v", err)
		return subcommands.ExitUsageError
	}

	lb, err := newLab(conf, opts.syns+16)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	defer lb.close()
	if _, err := runFlood(lb, os.Stdout, opts); err != nil {
		log.Warningf("flood: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type floodOptions struct {
	syns    int
	senders int
	backlog int
	port    uint16
}

func (o floodOptions) validate() error {
	if o.syns <= 0 || o.syns > 0xffff-floodFirstPort {
		return fmt.Errorf("syns must be in [1, %d]", 0xffff-floodFirstPort)
	}
	if o.senders <= 0 {
		return fmt.Errorf("senders must be positive")
	}
	if o.backlog <= 0 || o.backlog > tcp.MaxBacklog {
		return fmt.Errorf("backlog must be in [1, %d]", tcp.MaxBacklog)
	}
	if o.port == 0 {
		return fmt.Errorf("port must not be 0")
	}
	return nil
}

// floodResult summarizes a flood run.
type floodResult struct {
	// Replies is the number of segments the server sent to the flood.
	Replies int

	// OpenRequests is the number of half-open connections left queued.
	OpenRequests uint64

	// CookiesSent and SynDrops count SYNs answered statelessly and SYNs
	// dropped.
	CookiesSent uint64
	SynDrops    uint64

	// ClientAccepted is whether a real client completed its handshake
	// after the flood.
	ClientAccepted bool
}

// sendSyns sends SYNs from ports [first, first+n) to the server.
func sendSyns(lb *lab, port uint16, first, n int) error {
	for i := 0; i < n; i++ {
		b, err := header.EncodeTCP(clientAddr, serverAddr, header.TCPFields{
			SrcPort:    uint16(first + i),
			DstPort:    port,
			SeqNum:     seqnum.Value(first + i),
			Flags:      header.TCPFlagSyn,
			WindowSize: 0xffff,
			Syn:        &header.TCPSynOptions{MSS: 1460, WS: -1},
		})
		if err != nil {
			return err
		}
		lb.server.HandleSegment(labNIC, clientAddr, serverAddr, b)
	}
	return nil
}

// runFlood runs the flood scenario on lb, writing a report to w.
func runFlood(lb *lab, w io.Writer, opts floodOptions) (floodResult, error) {
	var res floodResult
	if err := opts.validate(); err != nil {
		return res, err
	}

	ln, err := lb.server.Listen(tcp.ListenOptions{
		Local:   tcpip.FullAddress{Port: opts.port},
		Backlog: opts.backlog,
	})
	if err != nil {
		return res, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	stats := lb.server.Stats()
	cookiesBefore := stats.TCP.ListenOverflowSynCookieSent.Value()
	dropsBefore := stats.TCP.ListenOverflowSynDrop.Value()

	var g errgroup.Group
	per := (opts.syns + opts.senders - 1) / opts.senders
	for first := 0; first < opts.syns; first += per {
		first := first
		n := min(per, opts.syns-first)
		g.Go(func() error { return sendSyns(lb, opts.port, floodFirstPort+first, n) })
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	// The flood's replies go to ports nobody owns; answering them with
	// RSTs would tear the open requests down.
	res.Replies = lb.serverLink.Drain()
	res.OpenRequests = stats.TCP.CurrentOpenRequests.Value()
	res.CookiesSent = stats.TCP.ListenOverflowSynCookieSent.Value() - cookiesBefore
	res.SynDrops = stats.TCP.ListenOverflowSynDrop.Value() - dropsBefore
	fmt.Fprintf(w, "sent %d SYNs from %d senders to port %d (backlog %d)\n", opts.syns, opts.senders, opts.port, opts.backlog)
	fmt.Fprintf(w, "server replies:      %d\n", res.Replies)
	fmt.Fprintf(w, "open requests:       %d\n", res.OpenRequests)
	fmt.Fprintf(w, "SYN cookies sent:    %d\n", res.CookiesSent)
	fmt.Fprintf(w, "SYNs dropped:        %d\n", res.SynDrops)

	client, err := lb.client.Connect(tcp.ConnectOptions{
		Remote: tcpip.FullAddress{Addr: serverAddr, Port: opts.port},
	})
	if err != nil {
		return res, fmt.Errorf("connect: %w", err)
	}
	defer client.Close()
	lb.pump()
	if ep, err := ln.Accept(); err == nil {
		res.ClientAccepted = true
		defer ep.Close()
	}
	fmt.Fprintf(w, "client accepted:     %t (client state %s)\n", res.ClientAccepted, client.State())
	return res, nil
}
