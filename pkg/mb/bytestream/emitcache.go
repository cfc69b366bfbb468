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

package bytestream

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// emitCacheSlots bounds the retransmit alignment cache. A retransmission
// normally targets data sent within the last round trip, so a small ring
// is enough.
const emitCacheSlots = 32

type emitted struct {
	origSeq   seqnum.Value
	mappedSeq seqnum.Value
	payload   []byte
	at        tcpip.MonotonicTime
	valid     bool
}

// RecordEmitted remembers the edited bytes just sent for origSeq so that a
// retransmission of the same segment can be replayed identically instead
// of re-edited. Only segments whose payload changed need recording.
func (m *Maintainer) RecordEmitted(origSeq, mappedSeq seqnum.Value, payload []byte, now tcpip.MonotonicTime) {
	if m.emitted == nil {
		m.emitted = make([]emitted, emitCacheSlots)
	}
	e := &m.emitted[m.emitNext]
	m.emitNext = (m.emitNext + 1) % emitCacheSlots
	e.origSeq = origSeq
	e.mappedSeq = mappedSeq
	e.payload = append(e.payload[:0], payload...)
	e.at = now
	e.valid = true
}

// LookupEmitted returns the previously emitted mapped sequence and payload
// for a retransmission of origSeq, if it was recorded within the
// retransmit alignment window. Beyond the window it reports false; TCPOut
// then rewrites the segment with the current mapping without committing its
// edits, so the segment is not passed through unmodified.
func (m *Maintainer) LookupEmitted(origSeq seqnum.Value, now tcpip.MonotonicTime) (seqnum.Value, []byte, bool) {
	window := m.RetransmitWindow()
	for i := range m.emitted {
		e := &m.emitted[i]
		if !e.valid || e.origSeq != origSeq {
			continue
		}
		if now.Sub(e.at) > window {
			e.valid = false
			continue
		}
		return e.mappedSeq, e.payload, true
	}
	return 0, nil, false
}
