// Copyright 2026 The midstack Authors.
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

// Package reorder delivers the segments of one TCP direction in sequence
// order. Out-of-order segments wait on a bounded hold list; duplicates and
// pure retransmissions of already-delivered data are discarded. Lost
// segments are never requested again, the sender's retransmission recovers
// them.
package reorder

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/pool"
)

// DefaultCapacity bounds the hold list per direction.
const DefaultCapacity = 20

// Queue reorders one direction's segments. It is owned by a single worker.
type Queue struct {
	nodes    *pool.Pool[*mb.Packet]
	head     pool.Index
	count    int
	capacity int

	expected    seqnum.Value
	initialized bool

	stats *mb.Stats
}

// New returns a queue drawing hold-list nodes from nodes. capacity <= 0
// selects DefaultCapacity.
func New(nodes *pool.Pool[*mb.Packet], capacity int, stats *mb.Stats) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		nodes:    nodes,
		head:     pool.Nil,
		capacity: capacity,
		stats:    stats,
	}
}

// Held returns the number of segments waiting on the hold list.
func (q *Queue) Held() int {
	return q.count
}

// Expected returns the next sequence number the queue will release.
func (q *Queue) Expected() seqnum.Value {
	return q.expected
}

func segSeq(p *mb.Packet) seqnum.Value {
	return seqnum.Value(p.TCP().SequenceNumber())
}

// logicalLen is the sequence space a segment occupies: its payload plus
// one for SYN and one for FIN.
func logicalLen(p *mb.Packet) seqnum.Size {
	l := seqnum.Size(p.PayloadLength())
	flags := p.TCP().Flags()
	if flags&header.TCPFlagSyn != 0 {
		l++
	}
	if flags&header.TCPFlagFin != 0 {
		l++
	}
	return l
}

// Push feeds one segment through the queue and returns the segments that
// became deliverable, in sequence order.
func (q *Queue) Push(p *mb.Packet) []*mb.Packet {
	return q.process(p, nil)
}

// PushBatch feeds a batch. Each segment is stacked onto the hold list in
// O(1) and the list is re-sorted once with a recursive top-down merge sort
// (sortList), the cheaper placement when batches are large relative to the
// list.
func (q *Queue) PushBatch(batch []*mb.Packet) []*mb.Packet {
	var out []*mb.Packet
	for _, p := range batch {
		if !q.admit(p, &out) {
			continue
		}
		n := q.nodes.Acquire()
		if n == pool.Nil {
			q.stats.PacketsDroppedNoResources.Increment()
			continue
		}
		*q.nodes.At(n) = p
		q.nodes.SetNext(n, q.head)
		q.head = n
		q.count++
	}
	q.head = q.sortList(q.head)
	// A batch that opens the flow takes expected from its lowest
	// sequence, not from whichever segment happened to be stacked first.
	if !q.initialized && q.head != pool.Nil {
		q.expected = segSeq(*q.nodes.At(q.head))
		q.initialized = true
	}
	return q.release(out)
}

func (q *Queue) process(p *mb.Packet, out []*mb.Packet) []*mb.Packet {
	if !q.initialized {
		q.expected = segSeq(p)
		q.initialized = true
	}
	if !q.admit(p, &out) {
		return out
	}
	if !q.insertSorted(p) {
		return out
	}
	return q.release(out)
}

// admit runs the checks shared by both placement paths. It returns false
// when the segment was consumed: dropped, or appended to out directly for
// segments that bypass ordering.
func (q *Queue) admit(p *mb.Packet, out *[]*mb.Packet) bool {
	// Resets tear the connection down regardless of ordering; holding one
	// back would only delay the endpoints' cleanup.
	if p.TCP().Flags()&header.TCPFlagRst != 0 {
		*out = append(*out, p)
		return false
	}

	if q.checkRetransmission(p, segSeq(p)) {
		q.stats.RetransmissionsDropped.Increment()
		return false
	}
	return true
}

// checkRetransmission reports whether the segment carries only bytes that
// were already released. Containment is judged on sequence ranges alone;
// comparing payload bytes as well is a policy choice this implementation
// does not take.
func (q *Queue) checkRetransmission(p *mb.Packet, s seqnum.Value) bool {
	if !q.initialized || !s.LessThan(q.expected) {
		return false
	}
	end := s.Add(logicalLen(p))
	return end.LessThanEq(q.expected)
}

// insertSorted places p on the hold list at the first node with a greater
// sequence. Returns false if the segment was dropped instead.
func (q *Queue) insertSorted(p *mb.Packet) bool {
	s := segSeq(p)
	prev := pool.Nil
	for i := q.head; i != pool.Nil; i = q.nodes.Next(i) {
		held := *q.nodes.At(i)
		hs := segSeq(held)
		if s.LessThan(hs) {
			break
		}
		if s == hs {
			// Same start: the longer segment supersedes the shorter.
			if p.PayloadLength() <= held.PayloadLength() {
				q.stats.RetransmissionsDropped.Increment()
				return false
			}
			*q.nodes.At(i) = p
			return true
		}
		prev = i
	}

	n := q.nodes.Acquire()
	if n == pool.Nil {
		q.stats.PacketsDroppedNoResources.Increment()
		return false
	}
	*q.nodes.At(n) = p
	if prev == pool.Nil {
		q.nodes.SetNext(n, q.head)
		q.head = n
	} else {
		q.nodes.SetNext(n, q.nodes.Next(prev))
		q.nodes.SetNext(prev, n)
	}
	q.count++
	return true
}

// evictForCapacity trims the hold list back to capacity by discarding the
// head, the held segment with the lowest sequence number; arrival order is
// not tracked. Its sender retransmits it.
// It runs after release, so a segment in transit through a full list never
// forces an eviction.
func (q *Queue) evictForCapacity() {
	for q.count > q.capacity && q.head != pool.Nil {
		i := q.head
		q.head = q.nodes.Next(i)
		q.nodes.Release(i)
		q.count--
		q.stats.PacketsDroppedNoResources.Increment()
	}
}

// release unlinks and returns every leading segment that is now in order,
// advancing expected past each. Segments wholly below expected (duplicates
// that met on the hold list, e.g. via the batch path) are discarded here;
// partial overlaps are released and left for the endpoint to trim.
func (q *Queue) release(out []*mb.Packet) []*mb.Packet {
loop:
	for q.head != pool.Nil {
		p := *q.nodes.At(q.head)
		s := segSeq(p)
		end := s.Add(logicalLen(p))
		deliver := true
		switch {
		case s == q.expected:
		case s.LessThan(q.expected):
			if end.LessThanEq(q.expected) {
				deliver = false
				q.stats.RetransmissionsDropped.Increment()
			}
		default:
			break loop
		}
		i := q.head
		q.head = q.nodes.Next(i)
		q.nodes.Release(i)
		q.count--
		if deliver {
			if q.expected.LessThan(end) {
				q.expected = end
			}
			out = append(out, p)
		}
	}
	q.evictForCapacity()
	return out
}

// sortList merge sorts an index-linked list by sequence number.
func (q *Queue) sortList(head pool.Index) pool.Index {
	if head == pool.Nil || q.nodes.Next(head) == pool.Nil {
		return head
	}

	// Split around the midpoint.
	slow, fast := head, q.nodes.Next(head)
	for fast != pool.Nil {
		fast = q.nodes.Next(fast)
		if fast != pool.Nil {
			fast = q.nodes.Next(fast)
			slow = q.nodes.Next(slow)
		}
	}
	second := q.nodes.Next(slow)
	q.nodes.SetNext(slow, pool.Nil)

	return q.merge(q.sortList(head), q.sortList(second))
}

func (q *Queue) merge(a, b pool.Index) pool.Index {
	var head, tail pool.Index = pool.Nil, pool.Nil
	appendNode := func(i pool.Index) {
		if tail == pool.Nil {
			head = i
		} else {
			q.nodes.SetNext(tail, i)
		}
		tail = i
	}
	for a != pool.Nil && b != pool.Nil {
		if segSeq(*q.nodes.At(a)).LessThanEq(segSeq(*q.nodes.At(b))) {
			next := q.nodes.Next(a)
			appendNode(a)
			a = next
		} else {
			next := q.nodes.Next(b)
			appendNode(b)
			b = next
		}
	}
	for a != pool.Nil {
		next := q.nodes.Next(a)
		appendNode(a)
		a = next
	}
	for b != pool.Nil {
		next := q.nodes.Next(b)
		appendNode(b)
		b = next
	}
	if tail != pool.Nil {
		q.nodes.SetNext(tail, pool.Nil)
	}
	return head
}

// Flush discards every held segment, returning nodes to the pool.
func (q *Queue) Flush() {
	for q.head != pool.Nil {
		i := q.head
		q.head = q.nodes.Next(i)
		q.nodes.Release(i)
	}
	q.count = 0
}
