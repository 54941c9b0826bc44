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

// Package channel provides the implemention of channel-based link endpoints.
// Such endpoints store outbound TCP segments in a channel, where tests and
// in-memory simulations pick them up.
package channel

import (
	"context"
	"net/netip"
	"sync"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/route"
)

// PacketInfo holds all the information about an outbound segment.
type PacketInfo struct {
	// NIC is the outgoing interface.
	NIC tcpip.NICID

	// Local and Remote are the network addresses of the segment.
	Local  netip.Addr
	Remote netip.Addr

	// Segment is the TCP header and payload.
	Segment []byte
}

// TCP decodes the segment.
func (p PacketInfo) TCP() (header.TCP, error) {
	return header.ParseTCP(p.Segment)
}

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is a link endpoint that stores outbound segments in a channel.
type Endpoint struct {
	// Outbound packet queue.
	q *queue
}

// New creates a new channel endpoint holding up to size segments. Segments
// written to a full endpoint are dropped.
func New(size int) *Endpoint {
	return &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
	}
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// WriteSegment stores an outbound segment into the channel. It returns
// ErrResourceExhausted if the channel is full.
func (e *Endpoint) WriteSegment(r *route.Handle, seg []byte) error {
	p := PacketInfo{
		NIC:     r.NIC,
		Local:   r.LocalAddress,
		Remote:  r.RemoteAddress,
		Segment: append([]byte(nil), seg...),
	}
	if !e.q.Write(p) {
		return tcpip.ErrResourceExhausted
	}
	return nil
}

// AddNotify adds a notification target for receiving event about outgoing
// packets.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.q.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.q.RemoveNotify(handle)
}
