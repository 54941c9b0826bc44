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

// Package route provides the routing collaborator of the TCP endpoint tables:
// a route table resolving destinations to cached handles, and a generation
// counter used to invalidate every handle at once when routing changes.
package route

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/tcpip"
)

// Entry is a row in the route table.
type Entry struct {
	// Destination must contain the target address for this row to be viable.
	Destination netip.Prefix

	// Gateway is the gateway to be used if this row is viable. The zero
	// value means the destination is on-link.
	Gateway netip.Addr

	// NIC is the id of the nic to be used if this row is viable.
	NIC tcpip.NICID

	// MTU is the path MTU towards the destination. 0 means unknown.
	MTU uint32
}

// String implements the fmt.Stringer interface.
func (r Entry) String() string {
	if r.Gateway.IsValid() {
		return fmt.Sprintf("%s via %s nic %d", r.Destination, r.Gateway, r.NIC)
	}
	return fmt.Sprintf("%s nic %d", r.Destination, r.NIC)
}

// Resolver finds routes. It is implemented by Table.
type Resolver interface {
	// Resolve returns a route from the given local address (or any local
	// address if invalid) to remote, optionally restricted to nic.
	Resolve(nic tcpip.NICID, local, remote netip.Addr) (*Handle, error)
}

// Table is a route table plus the addresses assigned to every NIC.
type Table struct {
	mu sync.RWMutex

	// +checklocks:mu
	entries []Entry

	// +checklocks:mu
	addrs map[tcpip.NICID][]netip.Addr

	// generation is bumped by Invalidate. Handles resolved under an older
	// generation are stale.
	generation atomic.Uint64
}

var _ Resolver = (*Table)(nil)

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{addrs: make(map[tcpip.NICID][]netip.Addr)}
}

// AddAddress assigns addr to nic.
func (t *Table) AddAddress(nic tcpip.NICID, addr netip.Addr) {
	t.mu.Lock()
	t.addrs[nic] = append(t.addrs[nic], addr.Unmap())
	t.mu.Unlock()
	t.Invalidate()
}

// SetRoutes replaces the route table. Every outstanding handle is invalidated.
func (t *Table) SetRoutes(entries []Entry) {
	t.mu.Lock()
	t.entries = append([]Entry(nil), entries...)
	t.mu.Unlock()
	t.Invalidate()
}

// AddRoute appends an entry to the route table.
func (t *Table) AddRoute(e Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	t.Invalidate()
}

// Invalidate marks every outstanding handle stale. Holders re-resolve lazily
// on next use.
func (t *Table) Invalidate() {
	t.generation.Add(1)
}

// Generation returns the current generation.
func (t *Table) Generation() uint64 {
	return t.generation.Load()
}

// HasAddress returns true if addr is assigned to nic, or to any NIC if nic is
// 0.
func (t *Table) HasAddress(nic tcpip.NICID, addr netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nicOfRLocked(nic, addr.Unmap()) != 0
}

// nicOfRLocked returns the NIC addr is assigned to, or 0.
func (t *Table) nicOfRLocked(nic tcpip.NICID, addr netip.Addr) tcpip.NICID {
	for id, addrs := range t.addrs {
		if nic != 0 && id != nic {
			continue
		}
		for _, a := range addrs {
			if a == addr {
				return id
			}
		}
	}
	return 0
}

// Resolve implements Resolver.Resolve.
func (t *Table) Resolve(nic tcpip.NICID, local, remote netip.Addr) (*Handle, error) {
	gen := t.generation.Load()
	local, remote = local.Unmap(), remote.Unmap()

	t.mu.RLock()
	defer t.mu.RUnlock()

	if local.IsValid() && t.nicOfRLocked(nic, local) == 0 {
		return nil, tcpip.ErrBadLocalAddress
	}

	best := -1
	for i, e := range t.entries {
		if nic != 0 && e.NIC != nic {
			continue
		}
		if !e.Destination.Contains(remote) {
			continue
		}
		if best < 0 || e.Destination.Bits() > t.entries[best].Destination.Bits() {
			best = i
		}
	}
	if best < 0 {
		return nil, tcpip.ErrNoRoute
	}
	e := t.entries[best]

	if !local.IsValid() {
		for _, a := range t.addrs[e.NIC] {
			if a.Is4() == remote.Is4() {
				local = a
				break
			}
		}
		if !local.IsValid() {
			return nil, tcpip.ErrNoRoute
		}
	}

	return &Handle{
		table:         t,
		generation:    gen,
		NIC:           e.NIC,
		LocalAddress:  local,
		RemoteAddress: remote,
		NextHop:       e.Gateway,
		MTU:           e.MTU,
	}, nil
}

// Handle is a cached route towards one destination.
type Handle struct {
	table      *Table
	generation uint64

	// NIC is the outgoing interface.
	NIC tcpip.NICID

	// LocalAddress is the local address where the route starts.
	LocalAddress netip.Addr

	// RemoteAddress is the final destination of the route.
	RemoteAddress netip.Addr

	// NextHop is the next node in the path to the destination, if not
	// on-link.
	NextHop netip.Addr

	// MTU is the path MTU, 0 if unknown.
	MTU uint32
}

// Valid returns true if the handle was resolved under the current generation
// of its table. Handles without a table never go stale.
func (h *Handle) Valid() bool {
	return h.table == nil || h.generation == h.table.generation.Load()
}

// Revalidate returns h if it is still valid, or a freshly resolved handle for
// the same local and remote addresses otherwise.
func (h *Handle) Revalidate() (*Handle, error) {
	if h.Valid() {
		return h, nil
	}
	return h.table.Resolve(h.NIC, h.LocalAddress, h.RemoteAddress)
}

// Static returns a handle that is not backed by a table. It is used to reply
// to segments (RST and SYN-ACK) along the path they arrived on.
func Static(nic tcpip.NICID, local, remote netip.Addr) *Handle {
	return &Handle{NIC: nic, LocalAddress: local, RemoteAddress: remote}
}
