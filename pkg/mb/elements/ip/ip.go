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

// Package ip provides the IP-level helper capability shared by the
// transport elements, and the round-robin rewriting elements.
package ip

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
)

// TotalLength returns the packet's declared IP total length.
func TotalLength(p *mb.Packet) uint16 {
	return p.Network().TotalLength()
}

// SetTotalLength updates the declared IP total length. The header checksum
// is left stale; call UpdateChecksum once all header edits are done.
func SetTotalLength(p *mb.Packet, length uint16) {
	p.Network().SetTotalLength(length)
}

// HeaderLength returns the IP header length in bytes.
func HeaderLength(p *mb.Packet) uint8 {
	return p.Network().HeaderLength()
}

// SourceAddress returns the packet's source address.
func SourceAddress(p *mb.Packet) tcpip.Address {
	return p.Network().SourceAddress()
}

// DestinationAddress returns the packet's destination address.
func DestinationAddress(p *mb.Packet) tcpip.Address {
	return p.Network().DestinationAddress()
}

// UpdateChecksum recomputes the IP header checksum with the stored sum
// zeroed during the fold.
func UpdateChecksum(p *mb.Packet) {
	ip := p.Network()
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
}

// PseudoHeaderChecksum folds the packet's pseudo-header for its transport
// protocol over the given transport length.
func PseudoHeaderChecksum(p *mb.Packet, transportLen uint16) uint16 {
	ip := p.Network()
	return header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), transportLen)
}
