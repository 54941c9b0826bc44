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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	port       uint
	clientPort uint
	wait       time.Duration
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "connect, close and reconnect over the same 4-tuple between two simulated hosts"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [flags] - run a connection through TIME_WAIT and recycle its 4-tuple.

The client connects to a listening server, sends data and closes first, which
leaves the client in TIME_WAIT. After --wait of simulated time it connects
again from the same port, recycling the TIME_WAIT record when timestamps or
--time-wait-recycle allow it. Socket tables are printed at every step.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.UintVar(&l.port, "port", 80, "port the server listens on.")
	f.UintVar(&l.clientPort, "client-port", 5000, "port the client connects from.")
	f.DurationVar(&l.wait, "wait", 2*time.Second, "simulated time between the close and the reconnect.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if l.port == 0 || l.port > 0xffff || l.clientPort == 0 || l.clientPort > 0xffff {
		log.Warningf("ports must be in [1, 65535]")
		return subcommands.ExitUsageError
	}

	lb, err := newLab(conf, 0)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	defer lb.close()
	if _, err := runLoopback(lb, os.Stdout, uint16(l.port), uint16(l.clientPort), l.wait); err != nil {
		log.Warningf("loopback: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// loopbackResult summarizes a loopback run.
type loopbackResult struct {
	// Recycled is whether the reconnect took over the TIME_WAIT record.
	Recycled bool

	// ReconnectErr is the error of the reconnect, if it was refused.
	ReconnectErr error
}

// connectPair connects the lab client to the server listener and returns
// both ends.
func connectPair(lb *lab, ln *tcp.Listener, opts tcp.ConnectOptions) (*tcp.Endpoint, *tcp.Endpoint, error) {
	client, err := lb.client.Connect(opts)
	if err != nil {
		return nil, nil, err
	}
	lb.pump()
	if client.State() != tcp.StateEstablished {
		client.Close()
		return nil, nil, fmt.Errorf("client in state %s after the handshake: %v", client.State(), client.Err())
	}
	server, err := ln.Accept()
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("accept: %w", err)
	}
	return client, server, nil
}

// closeActive closes client first, then server, leaving the client in
// TIME_WAIT.
func closeActive(lb *lab, client, server *tcp.Endpoint) {
	client.Close()
	lb.pump()
	server.Close()
	lb.pump()
}

// runLoopback runs the loopback scenario on lb, writing progress to w.
func runLoopback(lb *lab, w io.Writer, port, clientPort uint16, wait time.Duration) (loopbackResult, error) {
	var res loopbackResult

	ln, err := lb.server.Listen(tcp.ListenOptions{
		Local:   tcpip.FullAddress{Port: port},
		Backlog: 16,
	})
	if err != nil {
		return res, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	opts := tcp.ConnectOptions{
		Local:  tcpip.FullAddress{Port: clientPort},
		Remote: tcpip.FullAddress{Addr: serverAddr, Port: port},
		Reuse:  true,
	}
	client, server, err := connectPair(lb, ln, opts)
	if err != nil {
		return res, err
	}
	fmt.Fprintf(w, "connected %s -> %s\n", formatAddr(tcpip.FullAddress{Addr: clientAddr, Port: clientPort}), formatAddr(opts.Remote))

	msg := []byte("ping")
	if _, err := client.Write(msg); err != nil {
		return res, fmt.Errorf("write: %w", err)
	}
	lb.pump()
	buf := make([]byte, len(msg))
	n, err := server.Read(buf)
	if err != nil {
		return res, fmt.Errorf("read: %w", err)
	}
	fmt.Fprintf(w, "server read %q\n\n", buf[:n])

	closeActive(lb, client, server)
	if err := printDiagnostics(w, "client after active close", lb.client); err != nil {
		return res, err
	}

	lb.advance(wait)
	client, server, err = connectPair(lb, ln, opts)
	switch {
	case err == nil:
		res.Recycled = lb.client.Stats().TCP.TimeWaitRecycled.Value() > 0
		fmt.Fprintf(w, "\nreconnected after %v, TIME_WAIT recycled: %t\n", wait, res.Recycled)
		closeActive(lb, client, server)
	case errors.Is(err, tcpip.ErrConnectionExists) || errors.Is(err, tcpip.ErrPortInUse):
		res.ReconnectErr = err
		fmt.Fprintf(w, "\nreconnect after %v refused: %v\n", wait, err)
	default:
		return res, fmt.Errorf("reconnect: %w", err)
	}

	timeWait := lb.client.Options().TimeWaitTimeout
	lb.advance(2 * timeWait)
	fmt.Fprintf(w, "\n")
	if err := printDiagnostics(w, fmt.Sprintf("client %v later", 2*timeWait), lb.client); err != nil {
		return res, err
	}
	fmt.Fprintf(w, "\nTIME_WAIT records: recycled %d, expired %d, killed %d\n",
		lb.client.Stats().TCP.TimeWaitRecycled.Value(),
		lb.client.Stats().TCP.TimeWaitExpired.Value(),
		lb.client.Stats().TCP.TimeWaitKilled.Value())
	return res, nil
}
