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

import "gvisor.dev/gvisor/pkg/tcpip"

// Stats counts per-packet outcomes across the core elements. All fields are
// safe for concurrent use.
type Stats struct {
	// PacketsForwarded is the number of packets emitted downstream.
	PacketsForwarded tcpip.StatCounter

	// PacketsMalformed is the number of packets dropped because their
	// headers did not describe their buffers.
	PacketsMalformed tcpip.StatCounter

	// PacketsDroppedNoResources is the number of packets dropped because a
	// pool or table was full.
	PacketsDroppedNoResources tcpip.StatCounter

	// RetransmissionsDropped is the number of already-delivered segments
	// discarded by the reorderer.
	RetransmissionsDropped tcpip.StatCounter

	// StateViolations is the number of segments that were illegal for
	// their flow's connection state.
	StateViolations tcpip.StatCounter

	// FlowsEvicted is the number of closed flows reaped from the table.
	FlowsEvicted tcpip.StatCounter
}
