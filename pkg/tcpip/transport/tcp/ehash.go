// Copyright 2020 The gVisor Authors.
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
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gvisor.dev/tcptab/pkg/tcpip"
)

// hashTuple hashes a 4-tuple keyed by seed. It does not allocate.
func hashTuple(seed uint64, id tcpip.TransportEndpointID) uint64 {
	var buf [8 + 4 + 16 + 16]byte
	binary.LittleEndian.PutUint64(buf[0:], seed)
	binary.BigEndian.PutUint16(buf[8:], id.LocalPort)
	binary.BigEndian.PutUint16(buf[10:], id.RemotePort)
	la := id.LocalAddress.As16()
	ra := id.RemoteAddress.As16()
	copy(buf[12:], la[:])
	copy(buf[28:], ra[:])
	return xxhash.Sum64(buf[:])
}

// ehashBucket holds the established and TIME_WAIT chains of one hash bucket.
type ehashBucket struct {
	mu sync.RWMutex

	// +checklocks:mu
	est []slotIndex

	// +checklocks:mu
	tw []slotIndex
}

// establishedTable maps 4-tuples to connections and TIME_WAIT records. Each
// bucket has its own lock; no operation holds two bucket locks except rehash.
type establishedTable struct {
	seed    uint64
	mask    uint64
	buckets []ehashBucket
	arena   arena
}

func newEstablishedTable(n int, seed uint64) *establishedTable {
	size := 1
	for size < n {
		size <<= 1
	}
	return &establishedTable{
		seed:    seed,
		mask:    uint64(size - 1),
		buckets: make([]ehashBucket, size),
	}
}

func (t *establishedTable) bucketFor(id tcpip.TransportEndpointID) *ehashBucket {
	return &t.buckets[hashTuple(t.seed, id)&t.mask]
}

// findLocked returns the position in list of the slot holding id, or -1.
func (t *establishedTable) findLocked(list []slotIndex, id tcpip.TransportEndpointID) int {
	for i, si := range list {
		if t.arena.get(si).id == id {
			return i
		}
	}
	return -1
}

// positionLocked returns the position of si in list, or -1.
func positionLocked(list []slotIndex, si slotIndex) int {
	for i, x := range list {
		if x == si {
			return i
		}
	}
	return -1
}

func removeAt(list []slotIndex, i int) []slotIndex {
	last := len(list) - 1
	list[i] = list[last]
	return list[:last]
}

// lookup finds the connection or TIME_WAIT record of id reachable from nic.
// The established chain is searched first. The result carries a reference
// that the caller must drop.
func (t *establishedTable) lookup(id tcpip.TransportEndpointID, nic tcpip.NICID) (*Endpoint, *timeWaitRecord) {
	b := t.bucketFor(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, si := range b.est {
		s := t.arena.get(si)
		if s.id == id && (s.nic == 0 || s.nic == nic) {
			s.ep.incRef()
			return s.ep, nil
		}
	}
	for _, si := range b.tw {
		s := t.arena.get(si)
		if s.id == id && (s.nic == 0 || s.nic == nic) {
			s.tw.incRef()
			return nil, s.tw
		}
	}
	return nil, nil
}

// linkLocked stores ep in a new slot of b.
func (t *establishedTable) linkLocked(b *ehashBucket, ep *Endpoint) error {
	si, ok := t.arena.alloc()
	if !ok {
		return tcpip.ErrResourceExhausted
	}
	*t.arena.get(si) = slot{id: ep.id, nic: ep.nic, ep: ep}
	b.est = append(b.est, si)
	ep.slot = si
	ep.hashed.Store(true)
	ep.incRef()
	return nil
}

// insert adds ep to the established chain. It fails with
// ErrConnectionExists if the 4-tuple is already present in either chain.
func (t *establishedTable) insert(ep *Endpoint) error {
	b := t.bucketFor(ep.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.findLocked(b.est, ep.id) >= 0 || t.findLocked(b.tw, ep.id) >= 0 {
		return tcpip.ErrConnectionExists
	}
	return t.linkLocked(b, ep)
}

// insertConnecting adds an actively opening ep. A TIME_WAIT record holding
// the same 4-tuple is replaced when recycle approves it, and returned so the
// caller can finish its teardown; recycle runs with the bucket locked. A
// record is only returned on success.
func (t *establishedTable) insertConnecting(ep *Endpoint, recycle func(tw *timeWaitRecord) bool) (bool, *timeWaitRecord) {
	b := t.bucketFor(ep.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.findLocked(b.est, ep.id) >= 0 {
		return false, nil
	}
	i := t.findLocked(b.tw, ep.id)
	if i < 0 {
		return t.linkLocked(b, ep) == nil, nil
	}
	si := b.tw[i]
	s := t.arena.get(si)
	tw := s.tw
	if recycle == nil || !recycle(tw) {
		return false, nil
	}
	// ep takes over the record's slot, so the swap cannot run out of
	// slots.
	b.tw = removeAt(b.tw, i)
	tw.hashed.Store(false)
	*s = slot{id: ep.id, nic: ep.nic, ep: ep}
	b.est = append(b.est, si)
	ep.slot = si
	ep.hashed.Store(true)
	ep.incRef()
	return true, tw
}

// remove unlinks ep. It returns false if ep was not hashed. The table's
// reference is not dropped.
func (t *establishedTable) remove(ep *Endpoint) bool {
	b := t.bucketFor(ep.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ep.hashed.Load() {
		return false
	}
	i := positionLocked(b.est, ep.slot)
	if i < 0 {
		panic("tcp: hashed endpoint missing from its bucket")
	}
	b.est = removeAt(b.est, i)
	*t.arena.get(ep.slot) = slot{}
	t.arena.release(ep.slot)
	ep.hashed.Store(false)
	return true
}

// replaceWithTimeWait atomically swaps ep for tw in the same slot, moving the
// slot from the established chain to the TIME_WAIT chain. No lookup can see
// both or neither.
func (t *establishedTable) replaceWithTimeWait(ep *Endpoint, tw *timeWaitRecord) bool {
	b := t.bucketFor(ep.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ep.hashed.Load() {
		return false
	}
	i := positionLocked(b.est, ep.slot)
	if i < 0 {
		panic("tcp: hashed endpoint missing from its bucket")
	}
	si := ep.slot
	b.est = removeAt(b.est, i)
	s := t.arena.get(si)
	s.ep = nil
	s.tw = tw
	b.tw = append(b.tw, si)
	tw.slot = si
	tw.hashed.Store(true)
	tw.incRef()
	ep.hashed.Store(false)
	return true
}

func (t *establishedTable) unlinkTimeWaitLocked(b *ehashBucket, i int) {
	si := b.tw[i]
	s := t.arena.get(si)
	tw := s.tw
	b.tw = removeAt(b.tw, i)
	*s = slot{}
	t.arena.release(si)
	tw.hashed.Store(false)
}

// removeTimeWait unlinks tw. Only the first caller for a record gets true.
func (t *establishedTable) removeTimeWait(tw *timeWaitRecord) bool {
	b := t.bucketFor(tw.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !tw.hashed.Load() {
		return false
	}
	i := positionLocked(b.tw, tw.slot)
	if i < 0 {
		panic("tcp: hashed TIME_WAIT record missing from its bucket")
	}
	t.unlinkTimeWaitLocked(b, i)
	return true
}

// withTimeWait runs f with the bucket of tw locked, if tw is still hashed.
// f may unlink tw by returning true.
func (t *establishedTable) withTimeWait(tw *timeWaitRecord, f func() (unlink bool)) (ran, unlinked bool) {
	b := t.bucketFor(tw.id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !tw.hashed.Load() {
		return false, false
	}
	if !f() {
		return true, false
	}
	i := positionLocked(b.tw, tw.slot)
	if i < 0 {
		panic("tcp: hashed TIME_WAIT record missing from its bucket")
	}
	t.unlinkTimeWaitLocked(b, i)
	return true, true
}

// rehash moves ep to the bucket of newID. The old bucket is always locked
// before the new one; a busy new bucket makes it back off and retry rather
// than wait while holding the old lock.
func (t *establishedTable) rehash(ep *Endpoint, newID tcpip.TransportEndpointID) error {
	for {
		ob := t.bucketFor(ep.id)
		nb := t.bucketFor(newID)
		ob.mu.Lock()
		if nb != ob && !nb.mu.TryLock() {
			ob.mu.Unlock()
			runtime.Gosched()
			continue
		}
		err := t.rehashLocked(ob, nb, ep, newID)
		if nb != ob {
			nb.mu.Unlock()
		}
		ob.mu.Unlock()
		return err
	}
}

func (t *establishedTable) rehashLocked(ob, nb *ehashBucket, ep *Endpoint, newID tcpip.TransportEndpointID) error {
	if !ep.hashed.Load() {
		return tcpip.ErrInvalidEndpointState
	}
	if t.findLocked(nb.est, newID) >= 0 || t.findLocked(nb.tw, newID) >= 0 {
		return tcpip.ErrConnectionExists
	}
	i := positionLocked(ob.est, ep.slot)
	if i < 0 {
		panic("tcp: hashed endpoint missing from its bucket")
	}
	ob.est = removeAt(ob.est, i)
	t.arena.get(ep.slot).id = newID
	nb.est = append(nb.est, ep.slot)
	ep.id = newID
	return nil
}

// visit calls fep and ftw for every entry with its bucket read-locked. fep
// must not lock the endpoint.
func (t *establishedTable) visit(fep func(*Endpoint), ftw func(*timeWaitRecord)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.RLock()
		for _, si := range b.est {
			fep(t.arena.get(si).ep)
		}
		for _, si := range b.tw {
			ftw(t.arena.get(si).tw)
		}
		b.mu.RUnlock()
	}
}

// all returns every entry with a reference held.
func (t *establishedTable) all() ([]*Endpoint, []*timeWaitRecord) {
	var eps []*Endpoint
	var tws []*timeWaitRecord
	t.visit(func(ep *Endpoint) {
		ep.incRef()
		eps = append(eps, ep)
	}, func(tw *timeWaitRecord) {
		tw.incRef()
		tws = append(tws, tw)
	})
	return eps, tws
}

// counts returns the number of established and TIME_WAIT entries.
func (t *establishedTable) counts() (est, tw int) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.RLock()
		est += len(b.est)
		tw += len(b.tw)
		b.mu.RUnlock()
	}
	return est, tw
}
