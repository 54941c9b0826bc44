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

// Package ports provides Manager that manages allocating, reserving and
// releasing local TCP ports.
//
// Claimed ports are kept in bind buckets, one per port, hashed into a fixed
// number of chains. Every chain has its own lock so that binds on unrelated
// ports never contend.
package ports

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/tcpip"
)

const (
	// DefaultFirstEphemeral is the first port of the default ephemeral
	// range.
	DefaultFirstEphemeral = 32768

	// DefaultLastEphemeral is the last port of the default ephemeral range.
	DefaultLastEphemeral = 60999

	// DefaultChains is the default number of bind chains.
	DefaultChains = 512
)

// Owner is a socket's claim on a local port. Owners are compared by identity;
// the same *Owner must be passed to every call concerning one socket.
type Owner struct {
	// Addr is the bound local address. The zero value is the wildcard.
	Addr netip.Addr

	// NIC is the bound device, 0 for none.
	NIC tcpip.NICID

	// Reuse is SO_REUSEADDR.
	Reuse bool

	// ID identifies the owning process for diagnostics.
	ID uint64

	// The fields below are protected by the chain lock of port.
	port      uint16
	listening bool
	connect   bool
	bound     bool
}

// Port returns the claimed port, or 0 if the owner holds no claim.
func (o *Owner) Port() uint16 {
	return o.port
}

// String implements fmt.Stringer.
func (o *Owner) String() string {
	return fmt.Sprintf("owner{id: %d, addr: %s, port: %d, nic: %d, reuse: %t, listening: %t}", o.ID, o.Addr, o.port, o.NIC, o.Reuse, o.listening)
}

// overlaps returns true if the local addresses of o and other can receive
// segments for the same destination.
func (o *Owner) overlaps(other *Owner) bool {
	return !o.Addr.IsValid() || !other.Addr.IsValid() || o.Addr == other.Addr
}

// bindBucket holds every owner of one port.
type bindBucket struct {
	port   uint16
	owners []*Owner

	// fastReuse is set while the bucket has exactly one owner, which is
	// reuse-enabled and not listening. A reuse-enabled, non-listening
	// claimer is admitted without scanning owners.
	fastReuse bool

	// connectOnly is set when every owner claimed the port through
	// ClaimConnectPort. Such ports are shared by connections whose 4-tuples
	// differ.
	connectOnly bool
}

// conflicts returns the first existing owner that prevents o from sharing the
// bucket, or nil.
func (b *bindBucket) conflicts(o *Owner) *Owner {
	for _, e := range b.owners {
		if e == o || e.NIC != o.NIC {
			continue
		}
		if o.Reuse && e.Reuse && !e.listening {
			continue
		}
		if o.overlaps(e) {
			return e
		}
	}
	return nil
}

// updateFastReuse recomputes fastReuse after the owner list or an owner's
// listening state changed.
func (b *bindBucket) updateFastReuse() {
	b.fastReuse = len(b.owners) == 1 && b.owners[0].Reuse && !b.owners[0].listening
}

func (b *bindBucket) add(o *Owner) {
	b.owners = append(b.owners, o)
	o.port = b.port
	o.bound = true
	b.updateFastReuse()
}

func (b *bindBucket) remove(o *Owner) bool {
	for i, e := range b.owners {
		if e == o {
			b.owners = append(b.owners[:i], b.owners[i+1:]...)
			o.bound = false
			b.updateFastReuse()
			return true
		}
	}
	return false
}

type bindChain struct {
	mu      sync.Mutex
	buckets map[uint16]*bindBucket
}

// Manager manages allocating, reserving and releasing ports.
type Manager struct {
	chains []bindChain
	mask   uint16

	// ephemeral holds the range as first<<16 | last.
	ephemeral atomic.Uint32

	// cursorMu protects cursor. It is only held to read and advance the
	// cursor, never while scanning.
	cursorMu sync.Mutex
	cursor   uint32
}

// NewManager creates a new Manager with the given number of chains, which is
// rounded up to a power of two.
func NewManager(chains int) *Manager {
	if chains <= 0 {
		chains = DefaultChains
	}
	n := 1
	for n < chains && n < 1<<16 {
		n <<= 1
	}
	m := &Manager{
		chains: make([]bindChain, n),
		mask:   uint16(n - 1),
	}
	for i := range m.chains {
		m.chains[i].buckets = make(map[uint16]*bindBucket)
	}
	m.ephemeral.Store(DefaultFirstEphemeral<<16 | DefaultLastEphemeral)
	return m
}

// SetEphemeralRange sets the range ports are picked from for port 0 claims.
func (m *Manager) SetEphemeralRange(first, last uint16) error {
	if first == 0 || first > last {
		return fmt.Errorf("invalid ephemeral range [%d, %d]: %w", first, last, tcpip.ErrInvalidOptionValue)
	}
	m.ephemeral.Store(uint32(first)<<16 | uint32(last))
	return nil
}

// EphemeralRange returns the current ephemeral range.
func (m *Manager) EphemeralRange() (first, last uint16) {
	r := m.ephemeral.Load()
	return uint16(r >> 16), uint16(r)
}

func (m *Manager) chain(port uint16) *bindChain {
	return &m.chains[port&m.mask]
}

// nextOffset returns the scan start for one ephemeral search and advances the
// shared cursor past it.
func (m *Manager) nextOffset() uint32 {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	off := m.cursor
	m.cursor++
	return off
}

// settle moves the cursor past a port that was just handed out.
func (m *Manager) settle(first uint16, port uint16) {
	m.cursorMu.Lock()
	m.cursor = uint32(port-first) + 1
	m.cursorMu.Unlock()
}

// pickEphemeralPort iterates over the ephemeral range starting at the cursor,
// allowing try to decide whether a given port is suitable for its needs with
// the port's chain locked, and stopping when a port is found. The scan is
// bounded by the size of the range.
func (m *Manager) pickEphemeralPort(try func(c *bindChain, port uint16) bool) (uint16, error) {
	first, last := m.EphemeralRange()
	count := uint32(last-first) + 1
	offset := m.nextOffset()
	for i := uint32(0); i < count; i++ {
		port := uint16(uint32(first) + (offset+i)%count)
		c := m.chain(port)
		c.mu.Lock()
		ok := try(c, port)
		c.mu.Unlock()
		if ok {
			m.settle(first, port)
			return port, nil
		}
	}
	return 0, tcpip.ErrPortInUse
}

// ClaimPort claims port for o. If port is 0, an unused port from the
// ephemeral range is picked. It returns the claimed port, or ErrPortInUse if
// the port conflicts with an existing claim or no ephemeral port is free.
func (m *Manager) ClaimPort(o *Owner, port uint16) (uint16, error) {
	if o.bound {
		return 0, tcpip.ErrAlreadyBound
	}
	if port == 0 {
		return m.pickEphemeralPort(func(c *bindChain, p uint16) bool {
			if _, ok := c.buckets[p]; ok {
				return false
			}
			b := &bindBucket{port: p}
			c.buckets[p] = b
			b.add(o)
			return true
		})
	}

	c := m.chain(port)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[port]
	if !ok {
		b = &bindBucket{port: port}
		c.buckets[port] = b
		b.add(o)
		return port, nil
	}
	if !(b.fastReuse && o.Reuse && !o.listening) {
		if e := b.conflicts(o); e != nil {
			return 0, tcpip.ErrPortInUse
		}
	}
	b.connectOnly = false
	b.add(o)
	return port, nil
}

// ConnectCheck decides, with the port's bind chain locked, whether an active
// connection may use port. It returns an owner to evict from the bucket when
// the decision retired an older claim on the same 4-tuple.
type ConnectCheck func(port uint16) (ok bool, evict *Owner)

// ClaimConnectPort picks a local port for an active connection that was not
// bound before connecting. Ports already used only by other active
// connections are shared when check accepts the resulting 4-tuple.
func (m *Manager) ClaimConnectPort(o *Owner, check ConnectCheck) (uint16, error) {
	if o.bound {
		return 0, tcpip.ErrAlreadyBound
	}
	return m.pickEphemeralPort(func(c *bindChain, p uint16) bool {
		b, ok := c.buckets[p]
		if ok && !b.connectOnly {
			return false
		}
		accepted, evict := check(p)
		if !accepted {
			return false
		}
		if !ok {
			b = &bindBucket{port: p, connectOnly: true}
			c.buckets[p] = b
		}
		o.connect = true
		b.add(o)
		if evict != nil {
			m.removeLocked(c, b, evict)
		}
		return true
	})
}

// CheckBound runs check for an owner that bound its port before connecting,
// holding the port's bind chain lock so that check is serialized with other
// claims on the port.
func (m *Manager) CheckBound(o *Owner, check ConnectCheck) bool {
	c := m.chain(o.port)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[o.port]
	if !ok || !o.bound {
		return false
	}
	accepted, evict := check(o.port)
	if accepted && evict != nil {
		m.removeLocked(c, b, evict)
	}
	return accepted
}

// Inherit adds child to the bucket of parent, without conflict checks.
// Connections accepted by a listener share its port.
func (m *Manager) Inherit(parent, child *Owner) error {
	c := m.chain(parent.port)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[parent.port]
	if !ok || !parent.bound {
		return tcpip.ErrInvalidEndpointState
	}
	b.add(child)
	return nil
}

// PromoteToListener marks o as listening after re-validating its claim
// against the other owners of the port.
func (m *Manager) PromoteToListener(o *Owner) error {
	c := m.chain(o.port)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[o.port]
	if !ok || !o.bound {
		return tcpip.ErrInvalidEndpointState
	}
	if o.listening {
		return nil
	}
	if e := b.conflicts(o); e != nil {
		return tcpip.ErrPortInUse
	}
	o.listening = true
	b.updateFastReuse()
	return nil
}

// ReleasePort drops o's claim. An emptied bucket is destroyed. Releasing an
// owner without a claim is a no-op.
func (m *Manager) ReleasePort(o *Owner) {
	c := m.chain(o.port)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[o.port]; ok {
		m.removeLocked(c, b, o)
	}
}

func (m *Manager) removeLocked(c *bindChain, b *bindBucket, o *Owner) {
	if !b.remove(o) {
		return
	}
	o.listening = false
	o.connect = false
	if len(b.owners) == 0 {
		delete(c.buckets, b.port)
	}
}

// IsPortAvailable tests if o could claim port without conflicts.
func (m *Manager) IsPortAvailable(o *Owner, port uint16) bool {
	c := m.chain(port)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[port]
	if !ok {
		return true
	}
	if b.fastReuse && o.Reuse && !o.listening {
		return true
	}
	return b.conflicts(o) == nil
}

// OwnerInfo describes one claim for diagnostics.
type OwnerInfo struct {
	ID        uint64
	Addr      netip.Addr
	NIC       tcpip.NICID
	Reuse     bool
	Listening bool
	Connect   bool
}

// BucketInfo describes one bind bucket for diagnostics.
type BucketInfo struct {
	Port        uint16
	FastReuse   bool
	ConnectOnly bool
	Owners      []OwnerInfo
}

// Snapshot returns every bind bucket ordered by port. Each chain is locked in
// turn, so the result is consistent per port only.
func (m *Manager) Snapshot() []BucketInfo {
	var out []BucketInfo
	for i := range m.chains {
		c := &m.chains[i]
		c.mu.Lock()
		for _, b := range c.buckets {
			info := BucketInfo{Port: b.port, FastReuse: b.fastReuse, ConnectOnly: b.connectOnly}
			for _, o := range b.owners {
				info.Owners = append(info.Owners, OwnerInfo{
					ID:        o.ID,
					Addr:      o.Addr,
					NIC:       o.NIC,
					Reuse:     o.Reuse,
					Listening: o.listening,
					Connect:   o.connect,
				})
			}
			out = append(out, info)
		}
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Claims returns the number of owners of port.
func (m *Manager) Claims(port uint16) int {
	c := m.chain(port)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[port]; ok {
		return len(b.owners)
	}
	return 0
}

// Buckets returns the number of live bind buckets.
func (m *Manager) Buckets() int {
	n := 0
	for i := range m.chains {
		c := &m.chains[i]
		c.mu.Lock()
		n += len(c.buckets)
		c.mu.Unlock()
	}
	return n
}
