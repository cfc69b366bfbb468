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

package flow

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"

	"midstack.dev/midstack/pkg/mb"
)

// DefaultMaxFlows bounds a table when the configuration does not.
const DefaultMaxFlows = 65536

// Table maps 5-tuples to flow control blocks. Both directional FlowIDs of
// a connection resolve to the same block. A pipeline's workers all share
// one table, guarded by a single short-held mutex.
type Table struct {
	clock tcpip.Clock
	stats *mb.Stats

	mu       sync.Mutex
	flows    map[mb.FlowID]*FCB
	count    int
	maxFlows int
}

// NewTable returns an empty table. maxFlows <= 0 selects DefaultMaxFlows.
func NewTable(clock tcpip.Clock, maxFlows int, stats *mb.Stats) *Table {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxFlows
	}
	return &Table{
		clock:    clock,
		stats:    stats,
		flows:    make(map[mb.FlowID]*FCB),
		maxFlows: maxFlows,
	}
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Lookup finds the control block for id, returning the direction id names
// within it.
func (t *Table) Lookup(id mb.FlowID) (*FCB, mb.Direction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if !ok {
		return nil, 0, false
	}
	return f, t.direction(f, id), true
}

func (t *Table) direction(f *FCB, id mb.FlowID) mb.Direction {
	if f.id == id {
		return mb.DirectionA
	}
	return mb.DirectionB
}

// LookupOrCreate finds or creates the control block for id. When the
// table is full it first reaps expired flows, then evicts an arbitrary
// closed one; if every flow is live it returns ErrResourceExhausted and
// the caller drops the packet.
func (t *Table) LookupOrCreate(id mb.FlowID) (*FCB, mb.Direction, error) {
	now := t.clock.NowMonotonic()

	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.flows[id]; ok {
		return f, t.direction(f, id), nil
	}

	if t.count >= t.maxFlows {
		t.reapLocked(now)
	}
	if t.count >= t.maxFlows && !t.evictClosedLocked() {
		return nil, 0, fmt.Errorf("%w: flow table full (%d)", mb.ErrResourceExhausted, t.maxFlows)
	}

	f := newFCB(id, now)
	t.flows[id] = f
	t.flows[id.Reverse()] = f
	t.count++
	return f, mb.DirectionA, nil
}

// Remove deletes f's entries. Safe to call twice.
func (t *Table) Remove(f *FCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(f)
}

func (t *Table) removeLocked(f *FCB) {
	if _, ok := t.flows[f.id]; !ok {
		return
	}
	delete(t.flows, f.id)
	delete(t.flows, f.id.Reverse())
	t.count--
}

// Reap drops every flow whose deadline has passed. The pipeline calls it
// periodically; it also runs inline when the table fills.
func (t *Table) Reap() int {
	now := t.clock.NowMonotonic()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reapLocked(now)
}

func (t *Table) reapLocked(now tcpip.MonotonicTime) int {
	var dead []*FCB
	for id, f := range t.flows {
		if id == f.id && f.Expired(now) {
			dead = append(dead, f)
		}
	}
	for _, f := range dead {
		t.removeLocked(f)
		t.stats.FlowsEvicted.Increment()
	}
	return len(dead)
}

func (t *Table) evictClosedLocked() bool {
	for id, f := range t.flows {
		if id == f.id && f.State() == StateClosed {
			t.removeLocked(f)
			t.stats.FlowsEvicted.Increment()
			return true
		}
	}
	return false
}

// ForEach calls fn for every tracked connection. Used by handlers and the
// metrics collector.
func (t *Table) ForEach(fn func(*FCB)) {
	t.mu.Lock()
	blocks := make([]*FCB, 0, t.count)
	for id, f := range t.flows {
		if id == f.id {
			blocks = append(blocks, f)
		}
	}
	t.mu.Unlock()
	for _, f := range blocks {
		fn(f)
	}
}
