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

// Package tcp implements the TCP boundary elements of the middlebox:
// TCPReorder, TCPIn and TCPOut, plus the byte mutation vocabulary user
// elements call between TCPIn and TCPOut.
package tcp

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	iphelp "midstack.dev/midstack/pkg/mb/elements/ip"
)

// SetChecksum recomputes the packet's TCP checksum from the live header
// and payload, then refreshes the IP header checksum.
func SetChecksum(p *mb.Packet) {
	ipHdr := p.Network()
	transportLen := ipHdr.TotalLength() - uint16(ipHdr.HeaderLength())
	t := p.TCP()
	t.SetChecksum(0)
	xsum := iphelp.PseudoHeaderChecksum(p, transportLen)
	t.SetChecksum(^t.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)))
	iphelp.UpdateChecksum(p)
}

// InsertBytes opens n writable bytes at payload offset off of a packet in
// flight between TCPIn and TCPOut, records the edit on the packet's
// modification list, and returns the gap for the caller to fill. Lengths
// and checksums are settled by TCPOut at commit.
func InsertBytes(ctx *element.Context, p *mb.Packet, off, n int) ([]byte, error) {
	fl := ctx.Flow
	if fl == nil || fl.Mods == nil {
		return nil, fmt.Errorf("%w: no flow in flight", mb.ErrStateViolation)
	}
	if off < 0 || off > p.PayloadLength() || n <= 0 {
		return nil, fmt.Errorf("%w: insert %d at %d of %d payload bytes", mb.ErrPacketMalformed, n, off, p.PayloadLength())
	}
	if !fl.Mods.Add(uint32(off), int32(n)) {
		return nil, mb.ErrMutationAfterCommit
	}
	return p.InsertBytes(p.PayloadOffset()+off, n)
}

// RemoveBytes deletes n payload bytes at offset off, recording the edit.
func RemoveBytes(ctx *element.Context, p *mb.Packet, off, n int) error {
	fl := ctx.Flow
	if fl == nil || fl.Mods == nil {
		return fmt.Errorf("%w: no flow in flight", mb.ErrStateViolation)
	}
	if off < 0 || n <= 0 || off+n > p.PayloadLength() {
		return fmt.Errorf("%w: remove %d at %d of %d payload bytes", mb.ErrPacketMalformed, n, off, p.PayloadLength())
	}
	if !fl.Mods.Add(uint32(off), int32(-n)) {
		return mb.ErrMutationAfterCommit
	}
	return p.RemoveBytes(p.PayloadOffset()+off, n)
}

// isPureAck reports whether the segment is a bare acknowledgement: no
// payload, no flag that occupies sequence space or tears the flow down.
func isPureAck(t header.TCP, payloadLen int) bool {
	flags := t.Flags()
	return payloadLen == 0 &&
		flags&header.TCPFlagAck != 0 &&
		flags&(header.TCPFlagSyn|header.TCPFlagFin|header.TCPFlagRst) == 0
}

// rewriteSACKBlocks walks the TCP options and maps each SACK block edge
// through translate, writing the result in place.
func rewriteSACKBlocks(t header.TCP, translate func(uint32) uint32) {
	opts := t.Options()
	for i := 0; i < len(opts); {
		switch opts[i] {
		case header.TCPOptionEOL:
			return
		case header.TCPOptionNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return
		}
		if opts[i] == header.TCPOptionSACK {
			for j := i + 2; j+8 <= i+length; j += 8 {
				writeSeq(opts[j:], translate(readSeq(opts[j:])))
				writeSeq(opts[j+4:], translate(readSeq(opts[j+4:])))
			}
		}
		i += length
	}
}

func readSeq(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func writeSeq(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
