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

// Package modlist implements the edit log attached to one in-flight
// packet. User elements record byte insertions and removals against the
// packet's payload between TCPIn and TCPOut; TCPOut commits the log into
// the direction's byte-stream maintainer exactly once.
package modlist

import (
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"midstack.dev/midstack/pkg/mb/bytestream"
	"midstack.dev/midstack/pkg/mb/pool"
)

// Node is one edit: Offset bytes inserted (positive) or removed (negative)
// at payload-relative Position. Nodes live in a per-worker pool and link
// through pool indices.
type Node struct {
	Position uint32
	Offset   int32
}

// List is the modification log of a single packet. Positions are the
// packet's payload coordinates at the time each edit is applied; edits
// must be applied front to back, which the TCP and UDP element helpers do.
type List struct {
	nodes     *pool.Pool[Node]
	head      pool.Index
	committed bool
}

// New returns an empty list drawing nodes from nodes.
func New(nodes *pool.Pool[Node]) *List {
	return &List{nodes: nodes, head: pool.Nil}
}

// Committed returns whether Commit has run.
func (l *List) Committed() bool {
	return l.committed
}

// Empty returns whether the list holds no edits.
func (l *List) Empty() bool {
	return l.head == pool.Nil
}

// NetDelta returns the summed offset of every recorded edit.
func (l *List) NetDelta() int64 {
	var sum int64
	for i := l.head; i != pool.Nil; i = l.nodes.Next(i) {
		sum += int64(l.nodes.At(i).Offset)
	}
	return sum
}

// Add records an edit of offset bytes at position. It returns false if the
// list has already been committed, or if no node could be drawn from the
// pool; the caller must then forward the packet without this edit.
func (l *List) Add(position uint32, offset int32) bool {
	if l.committed {
		return false
	}
	if offset == 0 {
		return true
	}
	n := l.nodes.Acquire()
	if n == pool.Nil {
		return false
	}
	*l.nodes.At(n) = Node{Position: position, Offset: offset}

	// Insert in position order, after any existing node at the same
	// position.
	prev := pool.Nil
	for i := l.head; i != pool.Nil; i = l.nodes.Next(i) {
		if l.nodes.At(i).Position > position {
			break
		}
		prev = i
	}
	if prev == pool.Nil {
		l.nodes.SetNext(n, l.head)
		l.head = n
	} else {
		l.nodes.SetNext(n, l.nodes.Next(prev))
		l.nodes.SetNext(prev, n)
	}

	l.mergeNodes()
	return true
}

// mergeNodes folds adjacent nodes at the same position: same signs sum,
// opposite signs partially cancel, and an exact cancel removes the node.
func (l *List) mergeNodes() {
	prev := pool.Nil
	i := l.head
	for i != pool.Nil {
		next := l.nodes.Next(i)
		if next != pool.Nil {
			a, b := l.nodes.At(i), l.nodes.At(next)
			if a.Position == b.Position {
				a.Offset += b.Offset
				l.nodes.SetNext(i, l.nodes.Next(next))
				l.nodes.Release(next)
				if a.Offset == 0 {
					if prev == pool.Nil {
						l.head = l.nodes.Next(i)
					} else {
						l.nodes.SetNext(prev, l.nodes.Next(i))
					}
					l.nodes.Release(i)
					i = l.head
					prev = pool.Nil
				}
				continue
			}
		}
		prev = i
		i = next
	}
}

// Commit translates every edit into the maintainer and seals the list.
// base is the original-space sequence number of the packet's first payload
// byte. Node positions are in the packet's coordinates as edited, so the
// running delta of earlier nodes is subtracted to recover original-space
// positions. Commit clears the list; further Adds fail.
func (l *List) Commit(m *bytestream.Maintainer, base seqnum.Value) {
	if l.committed {
		return
	}
	var applied int64
	for i := l.head; i != pool.Nil; i = l.nodes.Next(i) {
		n := l.nodes.At(i)
		orig := int64(n.Position) - applied
		if orig < 0 {
			orig = 0
		}
		m.InsertInMapping(base.Add(seqnum.Size(orig)), int64(n.Offset))
		applied += int64(n.Offset)
	}
	l.committed = true
	l.Clear()
}

// Clear returns every node to the pool. The committed flag is untouched.
func (l *List) Clear() {
	for i := l.head; i != pool.Nil; {
		next := l.nodes.Next(i)
		l.nodes.Release(i)
		i = next
	}
	l.head = pool.Nil
}

// Nodes calls f for each edit in position order. It exists for tests and
// handlers; the hot path uses Commit.
func (l *List) Nodes(f func(Node) bool) {
	for i := l.head; i != pool.Nil; i = l.nodes.Next(i) {
		if !f(*l.nodes.At(i)) {
			return
		}
	}
}
