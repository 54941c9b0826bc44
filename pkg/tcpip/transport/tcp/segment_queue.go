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

package tcp

// segmentQueue is a bounded FIFO of segments deferred while an endpoint is
// owned by a caller. It is protected by the owning endpoint's mutex.
type segmentQueue struct {
	head  *segment
	tail  *segment
	limit int
	used  int
}

// empty determines if the queue is empty.
func (q *segmentQueue) empty() bool {
	return q.head == nil
}

// setLimit updates the limit. No segments are immediately dropped in case the
// queue becomes full due to the new limit.
func (q *segmentQueue) setLimit(limit int) {
	q.limit = limit
}

// enqueue adds the given segment to the queue.
//
// Returns true when the segment is successfully added to the queue, and false
// if the queue is full.
func (q *segmentQueue) enqueue(s *segment) bool {
	if q.used >= q.limit {
		return false
	}
	s.next = nil
	if q.tail == nil {
		q.head = s
	} else {
		q.tail.next = s
	}
	q.tail = s
	q.used += s.size()
	return true
}

// dequeue removes and returns the next segment from queue, if one exists.
func (q *segmentQueue) dequeue() *segment {
	s := q.head
	if s == nil {
		return nil
	}
	q.head = s.next
	if q.head == nil {
		q.tail = nil
	}
	s.next = nil
	q.used -= s.size()
	return s
}

// len returns the number of queued segments.
func (q *segmentQueue) len() int {
	n := 0
	for s := q.head; s != nil; s = s.next {
		n++
	}
	return n
}
