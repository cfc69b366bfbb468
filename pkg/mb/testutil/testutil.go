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

// Package testutil builds well formed packets for tests.
package testutil

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
)

// Default endpoints used by tests that don't care about addressing.
var (
	ClientAddr = tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	ServerAddr = tcpip.AddrFrom4([4]byte{10, 0, 0, 2})
)

const (
	ClientPort = 40000
	ServerPort = 80
)

// TCPFields describes a test TCP segment. Zero values get sensible
// defaults for a client-to-server packet.
type TCPFields struct {
	SrcAddr tcpip.Address
	DstAddr tcpip.Address
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   header.TCPFlags
	Window  uint16
	Payload []byte

	// SACKBlocks, when non-empty, is encoded into the TCP options.
	SACKBlocks []header.SACKBlock
}

func (f *TCPFields) fillDefaults() {
	if f.SrcAddr == (tcpip.Address{}) {
		f.SrcAddr = ClientAddr
	}
	if f.DstAddr == (tcpip.Address{}) {
		f.DstAddr = ServerAddr
	}
	if f.SrcPort == 0 {
		f.SrcPort = ClientPort
	}
	if f.DstPort == 0 {
		f.DstPort = ServerPort
	}
	if f.Flags == 0 {
		f.Flags = header.TCPFlagAck
	}
	if f.Window == 0 {
		f.Window = 65535
	}
}

// MakeTCP builds a checksummed IPv4/TCP packet.
func MakeTCP(f TCPFields) *mb.Packet {
	f.fillDefaults()

	optLen := 0
	if len(f.SACKBlocks) > 0 {
		optLen = 2 + 8*len(f.SACKBlocks)
		optLen = (optLen + 3) &^ 3
	}
	tcpLen := header.TCPMinimumSize + optLen + len(f.Payload)
	totalLen := header.IPv4MinimumSize + tcpLen
	buf := make([]byte, totalLen)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     f.SrcAddr,
		DstAddr:     f.DstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp := header.TCP(buf[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    f.SrcPort,
		DstPort:    f.DstPort,
		SeqNum:     f.Seq,
		AckNum:     f.Ack,
		DataOffset: uint8(header.TCPMinimumSize + optLen),
		Flags:      f.Flags,
		WindowSize: f.Window,
	})
	if optLen > 0 {
		opts := buf[header.IPv4MinimumSize+header.TCPMinimumSize:]
		header.EncodeSACKBlocks(f.SACKBlocks, opts[:optLen])
		for i := 2 + 8*len(f.SACKBlocks); i < optLen; i++ {
			opts[i] = header.TCPOptionNOP
		}
	}
	copy(buf[header.IPv4MinimumSize+header.TCPMinimumSize+optLen:], f.Payload)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, f.SrcAddr, f.DstAddr, uint16(tcpLen))
	tcp.SetChecksum(^tcp.CalculateChecksum(checksum.Checksum(f.Payload, xsum)))

	return mb.NewPacket(buf, mb.DefaultHeadroom)
}

// UDPFields describes a test UDP datagram.
type UDPFields struct {
	SrcAddr tcpip.Address
	DstAddr tcpip.Address
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// MakeUDP builds a checksummed IPv4/UDP packet.
func MakeUDP(f UDPFields) *mb.Packet {
	if f.SrcAddr == (tcpip.Address{}) {
		f.SrcAddr = ClientAddr
	}
	if f.DstAddr == (tcpip.Address{}) {
		f.DstAddr = ServerAddr
	}
	if f.SrcPort == 0 {
		f.SrcPort = ClientPort
	}
	if f.DstPort == 0 {
		f.DstPort = ServerPort
	}

	udpLen := header.UDPMinimumSize + len(f.Payload)
	totalLen := header.IPv4MinimumSize + udpLen
	buf := make([]byte, totalLen)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     f.SrcAddr,
		DstAddr:     f.DstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(buf[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: f.SrcPort,
		DstPort: f.DstPort,
		Length:  uint16(udpLen),
	})
	copy(buf[header.IPv4MinimumSize+header.UDPMinimumSize:], f.Payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, f.SrcAddr, f.DstAddr, uint16(udpLen))
	udp.SetChecksum(^udp.CalculateChecksum(checksum.Checksum(f.Payload, xsum)))

	return mb.NewPacket(buf, mb.DefaultHeadroom)
}

// ChecksumsValid reports whether the packet's IP header checksum and its
// TCP or UDP checksum both verify, and that the declared lengths are
// consistent with the buffer.
func ChecksumsValid(p *mb.Packet) bool {
	if err := p.Parse(); err != nil {
		return false
	}
	ip := p.Network()
	if ip.CalculateChecksum() != 0xffff {
		return false
	}
	length := ip.TotalLength() - uint16(ip.HeaderLength())
	xsum := header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), length)
	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcp := p.TCP()
		return tcp.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)) == 0xffff
	case header.UDPProtocolNumber:
		udp := p.UDP()
		if udp.Length() != length {
			return false
		}
		return udp.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)) == 0xffff
	}
	return true
}
