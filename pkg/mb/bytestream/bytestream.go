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

// Package bytestream maintains the translation between the two sequence
// number spaces of one TCP half-connection: the original space used by the
// sender and the modified space seen by the receiver after bytes have been
// inserted into or removed from the stream in flight.
//
// The mapping is a monotone non-decreasing step-affine function. It is
// represented by a set of (position, delta) entries ordered by position,
// where position is an offset into the original stream (relative to the
// initial sequence number) and delta is the number of bytes inserted
// (positive) or removed (negative) at that position. Between entries the
// translation is affine with slope one.
//
// Positions are 32-bit stream offsets. Entries are pruned as the receiver
// acknowledges, which keeps the live window far below the 4 GiB ambiguity
// of the offset space.
package bytestream

import (
	"time"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// entry is one step of the mapping. cum is the sum of every delta at or
// before pos, including deltas folded into the base by pruning, so lookups
// need only the floor entry.
type entry struct {
	pos   uint32 // offset into the original stream
	delta int64
	cum   int64
}

func entryLess(a, b *entry) bool {
	return a.pos < b.pos
}

const (
	// btreeDegree is the branching factor of the entry tree. Entry counts
	// are small (edits in flight); a low degree keeps nodes compact.
	btreeDegree = 4

	// defaultRTT seeds the retransmit alignment window before any RTT
	// sample has been taken.
	defaultRTT = 200 * time.Millisecond
)

// Maintainer tracks the original/modified sequence mapping for one
// direction of a connection, along with the handful of per-direction
// values TCPIn and TCPOut need to rewrite headers.
//
// A Maintainer is owned by the worker processing its direction. The
// opposite direction's ACK translation also uses it, reading the mapping
// and pruning entries the ACK has passed, under the flow's lock.
type Maintainer struct {
	initialized bool
	initSeq     seqnum.Value // original-space ISN, set at SYN
	initAck     seqnum.Value // peer's ISN, set when first learned

	entries *btree.BTreeG[*entry]

	// baseCum carries the cumulative delta of pruned entries; positions
	// below the first remaining entry still translate with this shift.
	baseCum int64

	lastAckSent    seqnum.Value
	lastSeqSent    seqnum.Value
	lastWindowSent uint16
	highestSeqSeen seqnum.Value

	srtt time.Duration

	// Retransmit alignment cache, see emitcache.go.
	emitted  []emitted
	emitNext int
}

// New returns an empty maintainer representing the identity mapping.
func New() *Maintainer {
	return &Maintainer{
		entries: btree.NewG(btreeDegree, entryLess),
	}
}

// InitSeq records the initial sequence number of this direction. Before
// the first edit both spaces are identical, so the modified-space ISN is
// the same value.
func (m *Maintainer) InitSeq(seq seqnum.Value) {
	m.initSeq = seq
	m.highestSeqSeen = seq
	m.initialized = true
}

// Initialized returns whether InitSeq has run.
func (m *Maintainer) Initialized() bool {
	return m.initialized
}

// InitAck records the peer's initial sequence number.
func (m *Maintainer) InitAck(seq seqnum.Value) {
	m.initAck = seq
}

func (m *Maintainer) rel(v seqnum.Value) uint32 {
	return uint32(v - m.initSeq)
}

func (m *Maintainer) abs(rel uint32) seqnum.Value {
	return m.initSeq + seqnum.Value(rel)
}

// floor returns the last entry with pos <= rel, or nil.
func (m *Maintainer) floor(rel uint32) *entry {
	var found *entry
	m.entries.DescendLessOrEqual(&entry{pos: rel}, func(e *entry) bool {
		found = e
		return false
	})
	return found
}

// ceilingAbove returns the first entry with pos > rel, or nil.
func (m *Maintainer) ceilingAbove(rel uint32) *entry {
	var found *entry
	m.entries.AscendGreaterOrEqual(&entry{pos: rel + 1}, func(e *entry) bool {
		found = e
		return false
	})
	return found
}

// InsertInMapping records a delta bytes edit at original-space position
// pos. An existing entry at the same position absorbs the new delta; if
// the sum reaches zero the entry disappears.
func (m *Maintainer) InsertInMapping(pos seqnum.Value, delta int64) {
	if delta == 0 {
		return
	}
	rel := m.rel(pos)

	if e, ok := m.entries.Get(&entry{pos: rel}); ok {
		e.delta += delta
		e.cum += delta
		if e.delta == 0 {
			m.entries.Delete(e)
		}
	} else {
		prev := m.floor(rel)
		cum := m.baseCum
		if prev != nil {
			cum = prev.cum
		}
		m.entries.ReplaceOrInsert(&entry{pos: rel, delta: delta, cum: cum + delta})
	}

	// Everything at or after the edit shifts by delta.
	m.entries.AscendGreaterOrEqual(&entry{pos: rel}, func(e *entry) bool {
		if e.pos > rel {
			e.cum += delta
		}
		return true
	})
}

// MapSeq translates an original-space sequence number into the modified
// space. Positions inside a removed region collapse to the image of the
// region start, which keeps the translation non-decreasing.
func (m *Maintainer) MapSeq(x seqnum.Value) seqnum.Value {
	rel := m.rel(x)
	e := m.floor(rel)
	if e == nil {
		return m.abs(uint32(int64(rel) + m.baseCum))
	}
	if e.delta < 0 {
		if removed := uint64(-e.delta); uint64(rel-e.pos) < removed {
			return m.abs(uint32(int64(e.pos) + e.cum - e.delta))
		}
	}
	return m.abs(uint32(int64(rel) + e.cum))
}

// image returns the modified-space offset of an entry's own position: for
// an insertion, the first byte after the inserted run; for a removal, the
// collapse point.
func (e *entry) image() int64 {
	if e.delta < 0 {
		return int64(e.pos) + e.cum - e.delta
	}
	return int64(e.pos) + e.cum
}

// MapSeqRev translates a modified-space sequence number back into the
// original space: the smallest original x whose image is at or beyond y.
// An acknowledgement that lands inside an inserted run resolves to the
// insertion point, the conservative choice that preserves progress.
func (m *Maintainer) MapSeqRev(y seqnum.Value) seqnum.Value {
	yrel := int64(m.rel(y))

	// Find the last entry whose image is at or below y.
	var gov *entry
	m.entries.Descend(func(e *entry) bool {
		if e.image() <= yrel {
			gov = e
			return false
		}
		return true
	})

	var x int64
	switch {
	case gov == nil:
		x = yrel - m.baseCum
	case gov.image() == yrel:
		x = int64(gov.pos)
	default:
		x = yrel - gov.cum
	}

	// Clamp into the governing segment: values inside the next entry's
	// inserted run resolve to that insertion point.
	var nextPos uint32
	var haveNext bool
	if gov == nil {
		if first, ok := m.entries.Min(); ok {
			nextPos, haveNext = first.pos, true
		}
	} else if next := m.ceilingAbove(gov.pos); next != nil {
		nextPos, haveNext = next.pos, true
	}
	if haveNext && x > int64(nextPos) {
		x = int64(nextPos)
	}
	return m.abs(uint32(x))
}

// MapAck translates an acknowledgement number arriving from the receiver
// (modified space) into the sender's original space.
func (m *Maintainer) MapAck(y seqnum.Value) seqnum.Value {
	return m.MapSeqRev(y)
}

// Prune drops entries wholly below the receiver's cumulative
// acknowledgement; the acknowledged data can no longer be retransmitted.
// ack is in the modified space, as carried by the wire. The cumulative
// delta of dropped entries folds into the base shift so the translation
// of later positions is unchanged.
func (m *Maintainer) Prune(ack seqnum.Value) {
	rel := m.rel(m.MapSeqRev(ack))
	var dead []*entry
	m.entries.Ascend(func(e *entry) bool {
		if e.pos >= rel {
			return false
		}
		dead = append(dead, e)
		return true
	})
	for _, e := range dead {
		m.baseCum = e.cum
		m.entries.Delete(e)
	}
}

// EntryCount returns the number of live mapping entries.
func (m *Maintainer) EntryCount() int {
	return m.entries.Len()
}

// CumulativeDelta returns the net byte delta of every edit committed so
// far, pruned ones included.
func (m *Maintainer) CumulativeDelta() int64 {
	if e, ok := m.entries.Max(); ok {
		return e.cum
	}
	return m.baseCum
}

// NewRTTEstimate folds one round-trip sample into the smoothed estimate
// used to size the retransmit alignment window.
func (m *Maintainer) NewRTTEstimate(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if m.srtt == 0 {
		m.srtt = sample
		return
	}
	m.srtt = (7*m.srtt + sample) / 8
}

// RTT returns the smoothed round-trip estimate, or a default before the
// first sample.
func (m *Maintainer) RTT() time.Duration {
	if m.srtt == 0 {
		return defaultRTT
	}
	return m.srtt
}

// RetransmitWindow is how long an emitted segment stays eligible for
// retransmit alignment.
func (m *Maintainer) RetransmitWindow() time.Duration {
	return 2 * m.RTT()
}

// SetLastAckSent records the last acknowledgement emitted on this
// direction (modified space of the reverse direction).
func (m *Maintainer) SetLastAckSent(ack seqnum.Value) { m.lastAckSent = ack }

// GetLastAckSent returns the last acknowledgement emitted.
func (m *Maintainer) GetLastAckSent() seqnum.Value { return m.lastAckSent }

// SetLastSeqSent records the highest modified-space sequence emitted.
func (m *Maintainer) SetLastSeqSent(seq seqnum.Value) { m.lastSeqSent = seq }

// GetLastSeqSent returns the highest modified-space sequence emitted.
func (m *Maintainer) GetLastSeqSent() seqnum.Value { return m.lastSeqSent }

// SetLastWindowSent records the last window advertised.
func (m *Maintainer) SetLastWindowSent(w uint16) { m.lastWindowSent = w }

// GetLastWindowSent returns the last window advertised.
func (m *Maintainer) GetLastWindowSent() uint16 { return m.lastWindowSent }

// NoteSeqSeen tracks the highest original-space sequence observed inbound.
func (m *Maintainer) NoteSeqSeen(seq seqnum.Value) {
	if m.highestSeqSeen.LessThan(seq) {
		m.highestSeqSeen = seq
	}
}

// HighestSeqSeen returns the highest original-space sequence observed.
func (m *Maintainer) HighestSeqSeen() seqnum.Value { return m.highestSeqSeen }
