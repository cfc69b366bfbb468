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

// Package flow owns per-flow state: the flow control block holding one
// byte-stream maintainer and one reorder queue per direction, the TCP
// connection state machine, and the bounded table mapping 5-tuples to
// control blocks.
package flow

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/bytestream"
	"midstack.dev/midstack/pkg/mb/reorder"
)

// State is the connection state of a tracked TCP flow.
type State int

const (
	// StateListen is the initial state, before any SYN.
	StateListen State = iota

	// StateSynSeen means the opening SYN has passed but not its SYN-ACK.
	StateSynSeen

	// StateEstablished means both directions have exchanged SYNs.
	StateEstablished

	// StateCloseWait means one direction has sent a FIN.
	StateCloseWait

	// StateClosed means both directions sent FINs, or a RST tore the
	// connection down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynSeen:
		return "SYN_SEEN"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FCB is the control block of one connection. The two directions of the
// connection may be processed by different workers; the mutex guards the
// state machine and the cross-direction maintainer reads, and is never
// held across a blocking operation.
type FCB struct {
	// id is the FlowID of DirectionA, the direction whose packet created
	// the block.
	id mb.FlowID

	mu struct {
		sync.Mutex

		state    State
		finSeen  [2]bool
		synDir   mb.Direction
		deadline tcpip.MonotonicTime
		hasDL    bool
		lastUsed tcpip.MonotonicTime

		// Handshake timing, the one RTT sample every connection gives us
		// for free.
		synAt     tcpip.MonotonicTime
		rttSample time.Duration
	}

	maintainers [2]*bytestream.Maintainer
	reorderQs   [2]*reorder.Queue
}

func newFCB(id mb.FlowID, now tcpip.MonotonicTime) *FCB {
	f := &FCB{id: id}
	f.maintainers[mb.DirectionA] = bytestream.New()
	f.maintainers[mb.DirectionB] = bytestream.New()
	f.mu.lastUsed = now
	return f
}

// ID returns the FlowID of DirectionA.
func (f *FCB) ID() mb.FlowID {
	return f.id
}

// Maintainer returns the byte-stream maintainer of dir. Edits are
// committed to it on dir's owning worker; the opposite direction's ACK
// translation reads it and prunes it, under the FCB lock.
func (f *FCB) Maintainer(dir mb.Direction) *bytestream.Maintainer {
	return f.maintainers[dir]
}

// ReorderQueue returns dir's reorder queue, or nil before SetReorderQueue.
func (f *FCB) ReorderQueue(dir mb.Direction) *reorder.Queue {
	return f.reorderQs[dir]
}

// SetReorderQueue installs dir's reorder queue. The queue draws nodes from
// the owning worker's pool, so the element that processes dir creates it.
func (f *FCB) SetReorderQueue(dir mb.Direction, q *reorder.Queue) {
	f.reorderQs[dir] = q
}

// State returns the connection state.
func (f *FCB) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.state
}

// Lock acquires the FCB mutex for a cross-direction read (ACK
// translation). Hold it briefly.
func (f *FCB) Lock() { f.mu.Lock() }

// Unlock releases the FCB mutex.
func (f *FCB) Unlock() { f.mu.Unlock() }

// Touch records activity at now.
func (f *FCB) Touch(now tcpip.MonotonicTime) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.lastUsed = now
}

// Expired reports whether the block's reap deadline has passed.
func (f *FCB) Expired(now tcpip.MonotonicTime) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.hasDL && f.mu.deadline.Before(now)
}

// Reap timeouts: a fully closed flow lingers briefly to absorb stray
// segments; a half-closed flow is given much longer before it is presumed
// abandoned.
const (
	closedLinger      = 5 * time.Second
	halfClosedTimeout = 60 * time.Second
)

// UpdateState advances the connection state machine for a segment seen on
// dir. It returns the state after the transition. A SYN on an established
// connection returns ErrStateViolation; the caller resets the flow and
// drops the segment.
func (f *FCB) UpdateState(dir mb.Direction, tcp header.TCP, now tcpip.MonotonicTime) (State, error) {
	flags := tcp.Flags()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.lastUsed = now

	if flags&header.TCPFlagRst != 0 {
		f.mu.state = StateClosed
		f.mu.deadline = now.Add(closedLinger)
		f.mu.hasDL = true
		return f.mu.state, nil
	}

	switch f.mu.state {
	case StateListen:
		if flags&header.TCPFlagSyn != 0 {
			f.mu.state = StateSynSeen
			f.mu.synDir = dir
			f.mu.synAt = now
		}

	case StateSynSeen:
		if flags&header.TCPFlagSyn != 0 {
			if dir == f.mu.synDir {
				// Retransmitted SYN.
				break
			}
			if flags&header.TCPFlagAck == 0 {
				return f.mu.state, fmt.Errorf("%w: simultaneous SYN without ACK", mb.ErrStateViolation)
			}
			f.mu.state = StateEstablished
			f.mu.rttSample = now.Sub(f.mu.synAt)
		}

	case StateEstablished, StateCloseWait:
		if flags&header.TCPFlagSyn != 0 {
			return f.mu.state, fmt.Errorf("%w: SYN on %v flow", mb.ErrStateViolation, f.mu.state)
		}
		if flags&header.TCPFlagFin != 0 && !f.mu.finSeen[dir] {
			f.mu.finSeen[dir] = true
			if f.mu.finSeen[dir.Opposite()] {
				f.mu.state = StateClosed
				f.mu.deadline = now.Add(closedLinger)
			} else {
				f.mu.state = StateCloseWait
				f.mu.deadline = now.Add(halfClosedTimeout)
			}
			f.mu.hasDL = true
		}

	case StateClosed:
		// Stray segments on a closed flow are the endpoints' problem.
	}

	return f.mu.state, nil
}

// Abort force-closes the connection, as after an illegal segment. The
// block lingers briefly and is then reaped.
func (f *FCB) Abort(now tcpip.MonotonicTime) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.state = StateClosed
	f.mu.deadline = now.Add(closedLinger)
	f.mu.hasDL = true
}

// TakeRTTSample returns the handshake round-trip sample once, after the
// connection establishes, and zero otherwise.
func (f *FCB) TakeRTTSample() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.mu.rttSample
	f.mu.rttSample = 0
	return s
}

// InitSequence seeds dir's maintainer from the SYN (or first segment seen
// mid-flow). The ISN occupies one unit of sequence space, so data starts
// one past it for a SYN.
func (f *FCB) InitSequence(dir mb.Direction, tcp header.TCP) {
	m := f.maintainers[dir]
	if m.Initialized() {
		return
	}
	seq := seqnum.Value(tcp.SequenceNumber())
	m.InitSeq(seq)
	if tcp.Flags()&header.TCPFlagAck != 0 {
		m.InitAck(seqnum.Value(tcp.AckNumber()))
	}
}
