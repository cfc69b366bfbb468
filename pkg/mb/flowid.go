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

package mb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/hash/jenkins"
)

// FlowID names one direction of a connection: the classic 5-tuple. The two
// directions of a connection are each other's Reverse.
type FlowID struct {
	SrcAddr  tcpip.Address
	DstAddr  tcpip.Address
	SrcPort  uint16
	DstPort  uint16
	Protocol tcpip.TransportProtocolNumber
}

// Reverse returns the FlowID of the opposite direction.
func (id FlowID) Reverse() FlowID {
	return FlowID{
		SrcAddr:  id.DstAddr,
		DstAddr:  id.SrcAddr,
		SrcPort:  id.DstPort,
		DstPort:  id.SrcPort,
		Protocol: id.Protocol,
	}
}

func (id FlowID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%d", id.SrcAddr, id.SrcPort, id.DstAddr, id.DstPort, id.Protocol)
}

// canonical orders the two endpoints so that both directions of a
// connection produce identical bytes. Hashing the canonical form keeps a
// connection's two FlowIDs on related table slots and workers.
func (id FlowID) canonical() [13]byte {
	var b [13]byte
	src := id.SrcAddr.As4()
	dst := id.DstAddr.As4()
	lo, hi := src[:], dst[:]
	loPort, hiPort := id.SrcPort, id.DstPort
	if c := bytes.Compare(src[:], dst[:]); c > 0 || (c == 0 && id.SrcPort > id.DstPort) {
		lo, hi = dst[:], src[:]
		loPort, hiPort = id.DstPort, id.SrcPort
	}
	copy(b[0:4], lo)
	copy(b[4:8], hi)
	binary.BigEndian.PutUint16(b[8:10], loPort)
	binary.BigEndian.PutUint16(b[10:12], hiPort)
	b[12] = byte(id.Protocol)
	return b
}

// Hash returns a direction-independent hash of the flow, mixed with seed.
// Both directions of a connection hash to the same value.
func (id FlowID) Hash(seed uint32) uint32 {
	b := id.canonical()
	h := jenkins.Sum32(seed)
	h.Write(b[:])
	return h.Sum32()
}
