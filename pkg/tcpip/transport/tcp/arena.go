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
	"sync"
	"sync/atomic"

	"gvisor.dev/tcptab/pkg/tcpip"
)

const (
	chunkShift = 8
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1

	// maxChunks bounds the arena to maxChunks*chunkSize entries.
	maxChunks = 1 << 14
)

// slotIndex names a slot of the arena. Hash buckets hold indices instead of
// pointers to their entries.
type slotIndex uint32

// slot is one entry of the established hash. Exactly one of ep and tw is set
// while the slot is linked into a bucket.
//
// A slot is only read or written with the lock of the bucket it is linked
// into held.
type slot struct {
	id  tcpip.TransportEndpointID
	nic tcpip.NICID
	ep  *Endpoint
	tw  *timeWaitRecord
}

type slotChunk [chunkSize]slot

// arena hands out slots. Chunks are never freed or moved, so a slot's address
// is stable for the lifetime of the arena.
type arena struct {
	chunks [maxChunks]atomic.Pointer[slotChunk]

	// mu protects the fields below.
	mu   sync.Mutex
	free []slotIndex
	next slotIndex
}

// alloc returns an unused slot index. It returns false when the arena is
// exhausted.
func (a *arena) alloc() (slotIndex, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		i := a.free[n-1]
		a.free = a.free[:n-1]
		return i, true
	}
	i := a.next
	c := int(i >> chunkShift)
	if c >= maxChunks {
		return 0, false
	}
	if a.chunks[c].Load() == nil {
		a.chunks[c].Store(new(slotChunk))
	}
	a.next++
	return i, true
}

// release returns i to the free list. The slot must have been cleared under
// its bucket lock.
func (a *arena) release(i slotIndex) {
	a.mu.Lock()
	a.free = append(a.free, i)
	a.mu.Unlock()
}

// get returns the slot named by i.
func (a *arena) get(i slotIndex) *slot {
	return &a.chunks[i>>chunkShift].Load()[i&chunkMask]
}

// inUse returns the number of allocated slots.
func (a *arena) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next) - len(a.free)
}
