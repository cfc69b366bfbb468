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
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Packet is a mutable packet buffer holding an IPv4 packet with L2 already
// stripped. The buffer keeps writable headroom in front of the IP header so
// that edits near the start of the payload can shift the headers instead of
// the tail.
//
// Header accessors return views (in the header package sense) into the
// live buffer; they are invalidated by InsertBytes and RemoveBytes.
type Packet struct {
	buf []byte
	off int // start of the IPv4 header within buf
	end int // one past the last packet byte
}

// DefaultHeadroom is the writable prefix reserved when a packet is built
// from a raw buffer.
const DefaultHeadroom = 64

// NewPacket copies b (an IPv4 packet) into a fresh buffer with the given
// headroom.
func NewPacket(b []byte, headroom int) *Packet {
	buf := make([]byte, headroom+len(b))
	copy(buf[headroom:], b)
	return &Packet{buf: buf, off: headroom, end: headroom + len(b)}
}

// Size returns the number of packet bytes, IP header included.
func (p *Packet) Size() int {
	return p.end - p.off
}

// Data returns the packet bytes starting at the IP header.
func (p *Packet) Data() []byte {
	return p.buf[p.off:p.end]
}

// Headroom returns the number of writable bytes in front of the IP header.
func (p *Packet) Headroom() int {
	return p.off
}

// Network returns an IPv4 view over the packet.
func (p *Packet) Network() header.IPv4 {
	return header.IPv4(p.Data())
}

// Parse validates that the buffer holds a well formed IPv4 packet whose
// declared lengths fit the buffer, and that any TCP or UDP header is
// complete. It returns ErrPacketMalformed otherwise.
func (p *Packet) Parse() error {
	if p.Size() < header.IPv4MinimumSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketMalformed, p.Size())
	}
	ip := p.Network()
	if !ip.IsValid(p.Size()) {
		return fmt.Errorf("%w: bad IPv4 header", ErrPacketMalformed)
	}
	hlen := int(ip.HeaderLength())
	tlen := int(ip.TotalLength())
	if tlen > p.Size() || hlen > tlen {
		return fmt.Errorf("%w: total length %d exceeds buffer %d", ErrPacketMalformed, tlen, p.Size())
	}
	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		if tlen-hlen < header.TCPMinimumSize {
			return fmt.Errorf("%w: truncated TCP header", ErrPacketMalformed)
		}
		if doff := int(p.TCP().DataOffset()); doff < header.TCPMinimumSize || hlen+doff > tlen {
			return fmt.Errorf("%w: bad TCP data offset", ErrPacketMalformed)
		}
	case header.UDPProtocolNumber:
		if tlen-hlen < header.UDPMinimumSize {
			return fmt.Errorf("%w: truncated UDP header", ErrPacketMalformed)
		}
	}
	return nil
}

// TransportOffset returns the offset of the transport header within Data.
func (p *Packet) TransportOffset() int {
	return int(p.Network().HeaderLength())
}

// TCP returns a TCP view over the transport header and everything after
// it. Only meaningful when the protocol is TCP.
func (p *Packet) TCP() header.TCP {
	return header.TCP(p.Data()[p.TransportOffset():])
}

// UDP returns a UDP view over the transport header and everything after
// it. Only meaningful when the protocol is UDP.
func (p *Packet) UDP() header.UDP {
	return header.UDP(p.Data()[p.TransportOffset():])
}

// PayloadOffset returns the offset of the L4 payload within Data.
func (p *Packet) PayloadOffset() int {
	hlen := p.TransportOffset()
	switch p.Network().TransportProtocol() {
	case header.TCPProtocolNumber:
		return hlen + int(p.TCP().DataOffset())
	case header.UDPProtocolNumber:
		return hlen + header.UDPMinimumSize
	}
	return hlen
}

// PayloadLength returns the payload length derived from the declared IP
// total length, not from the buffer: trailing link padding is excluded.
func (p *Packet) PayloadLength() int {
	n := int(p.Network().TotalLength()) - p.PayloadOffset()
	if n < 0 {
		return 0
	}
	return n
}

// Payload returns the L4 payload bytes, bounded by the declared lengths.
func (p *Packet) Payload() []byte {
	off := p.PayloadOffset()
	return p.Data()[off : off+p.PayloadLength()]
}

// FlowID extracts the 5-tuple naming this packet's direction.
func (p *Packet) FlowID() (FlowID, error) {
	if err := p.Parse(); err != nil {
		return FlowID{}, err
	}
	ip := p.Network()
	id := FlowID{
		SrcAddr:  ip.SourceAddress(),
		DstAddr:  ip.DestinationAddress(),
		Protocol: ip.TransportProtocol(),
	}
	switch id.Protocol {
	case header.TCPProtocolNumber:
		tcp := p.TCP()
		id.SrcPort = tcp.SourcePort()
		id.DstPort = tcp.DestinationPort()
	case header.UDPProtocolNumber:
		udp := p.UDP()
		id.SrcPort = udp.SourcePort()
		id.DstPort = udp.DestinationPort()
	default:
		return FlowID{}, fmt.Errorf("%w: protocol %d has no ports", ErrPacketMalformed, id.Protocol)
	}
	return id, nil
}

// InsertBytes opens a gap of n zeroed bytes at offset at within Data and
// returns it for the caller to fill. When the bytes in front of the gap are
// the smaller side and fit in the headroom they are shifted left;
// otherwise the tail is shifted right, growing the buffer if needed. The
// caller is responsible for fixing lengths and checksums afterwards.
func (p *Packet) InsertBytes(at, n int) ([]byte, error) {
	if at < 0 || at > p.Size() || n < 0 {
		return nil, fmt.Errorf("%w: insert %d bytes at %d of %d", ErrPacketMalformed, n, at, p.Size())
	}
	if at <= p.Size()-at && p.off >= n {
		copy(p.buf[p.off-n:], p.buf[p.off:p.off+at])
		p.off -= n
	} else {
		if grow := p.end + n - len(p.buf); grow > 0 {
			p.buf = append(p.buf, make([]byte, grow)...)
		}
		copy(p.buf[p.off+at+n:p.end+n], p.buf[p.off+at:p.end])
		p.end += n
	}
	gap := p.buf[p.off+at : p.off+at+n]
	clear(gap)
	return gap, nil
}

// RemoveBytes deletes n bytes at offset at within Data, shifting the
// smaller side of the packet over the gap. The caller is responsible for
// fixing lengths and checksums afterwards.
func (p *Packet) RemoveBytes(at, n int) error {
	if at < 0 || n < 0 || at+n > p.Size() {
		return fmt.Errorf("%w: remove %d bytes at %d of %d", ErrPacketMalformed, n, at, p.Size())
	}
	if at < p.Size()-(at+n) {
		copy(p.buf[p.off+n:], p.buf[p.off:p.off+at])
		p.off += n
	} else {
		copy(p.buf[p.off+at:], p.buf[p.off+at+n:p.end])
		p.end -= n
	}
	return nil
}

// Clone returns an independent copy of the packet with the same headroom.
func (p *Packet) Clone() *Packet {
	return NewPacket(p.Data(), p.off)
}
