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
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/tcpip"
)

// listenChains is the number of chains of the listening table.
const listenChains = 32

// Listener scores. A device match outranks an address match, so a listener
// bound to the arrival NIC wins over one bound to the destination address
// only.
const (
	scoreDevice  = 2
	scoreAddress = 1
	scoreExact   = scoreDevice + scoreAddress
)

// listenTable maps local ports to listeners.
//
// Lookups take no lock. They announce themselves in readers and back off
// while a writer is pending; writers serialize on writerMu, raise
// writerPending, wait for readers to drain and only then relink a chain. A
// lookup therefore never observes a chain being modified.
type listenTable struct {
	writerMu      sync.Mutex
	writerPending atomic.Bool
	readers       atomic.Int32

	// chains is only modified by a writer with no readers present.
	chains [listenChains][]*Listener
}

func listenChain(port uint16) int {
	return int(port) % listenChains
}

// score rates how well l matches a segment for addr arriving on nic, or -1
// if l cannot accept it.
func (l *Listener) score(addr netip.Addr, nic tcpip.NICID) int {
	s := 0
	if l.nic != 0 {
		if l.nic != nic {
			return -1
		}
		s += scoreDevice
	}
	if l.addr.IsValid() {
		if l.addr != addr {
			return -1
		}
		s += scoreAddress
	}
	return s
}

func (lt *listenTable) readLock() {
	for {
		for lt.writerPending.Load() {
			runtime.Gosched()
		}
		lt.readers.Add(1)
		if !lt.writerPending.Load() {
			return
		}
		lt.readers.Add(-1)
	}
}

func (lt *listenTable) readUnlock() {
	lt.readers.Add(-1)
}

// lookup returns the most specific listener for a segment to addr:port that
// arrived on nic, with a reference held.
func (lt *listenTable) lookup(addr netip.Addr, port uint16, nic tcpip.NICID) *Listener {
	lt.readLock()
	defer lt.readUnlock()

	var best *Listener
	bestScore := -1
	for _, l := range lt.chains[listenChain(port)] {
		if l.port != port {
			continue
		}
		s := l.score(addr, nic)
		if s > bestScore {
			best, bestScore = l, s
			if s == scoreExact {
				break
			}
		}
	}
	if best != nil {
		best.incRef()
	}
	return best
}

// drain blocks new readers and waits until every lookup in flight has
// finished. It must be called with writerMu held.
func (lt *listenTable) drain() {
	lt.writerPending.Store(true)
	for lt.readers.Load() != 0 {
		runtime.Gosched()
	}
}

func (lt *listenTable) insert(l *Listener) {
	lt.writerMu.Lock()
	defer lt.writerMu.Unlock()
	lt.drain()
	c := listenChain(l.port)
	chain := make([]*Listener, 0, len(lt.chains[c])+1)
	chain = append(chain, lt.chains[c]...)
	lt.chains[c] = append(chain, l)
	lt.writerPending.Store(false)
}

func (lt *listenTable) remove(l *Listener) bool {
	lt.writerMu.Lock()
	defer lt.writerMu.Unlock()
	lt.drain()
	defer lt.writerPending.Store(false)
	c := listenChain(l.port)
	for i, x := range lt.chains[c] {
		if x == l {
			chain := make([]*Listener, 0, len(lt.chains[c])-1)
			chain = append(chain, lt.chains[c][:i]...)
			lt.chains[c] = append(chain, lt.chains[c][i+1:]...)
			return true
		}
	}
	return false
}

// count returns the number of listeners on port.
func (lt *listenTable) count(port uint16) int {
	lt.readLock()
	defer lt.readUnlock()
	n := 0
	for _, l := range lt.chains[listenChain(port)] {
		if l.port == port {
			n++
		}
	}
	return n
}
