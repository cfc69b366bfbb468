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

// Package udp implements UDPIn, the datagram counterpart of TCPIn. UDP has
// no sequence space, so the mutation primitives shift bytes and settle
// lengths and checksums immediately instead of logging edits.
package udp

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	iphelp "midstack.dev/midstack/pkg/mb/elements/ip"
	"midstack.dev/midstack/pkg/mb/flow"
)

// In is the UDPIn element. It classifies datagrams into sessions by the
// configured session context and forwards them into the user chain.
// Configuration:
//
//	CONTEXT spec   session fingerprint, default the 5-tuple
type In struct {
	element.Base

	context *flow.SessionContext
}

func init() {
	element.RegisterClass("UDPIn", func() element.Element { return &In{} })
}

// ClassName implements element.Element.
func (*In) ClassName() string { return "UDPIn" }

// Ports implements element.Element.
func (*In) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*In) Processing() element.Processing { return element.Agnostic }

// Configure implements element.Element.
func (in *In) Configure(conf *element.Config) error {
	spec := conf.String("CONTEXT", flow.DefaultSessionContext)
	sc, err := flow.ParseSessionContext(spec)
	if err != nil {
		return err
	}
	in.context = sc
	return conf.Finish()
}

// Initialize implements element.Element.
func (in *In) Initialize(*element.Context) error { return nil }

// Push implements element.Element.
func (in *In) Push(ctx *element.Context, port int, p *mb.Packet) {
	if err := p.Parse(); err != nil || p.Network().TransportProtocol() != header.UDPProtocolNumber {
		ctx.Stats.PacketsMalformed.Increment()
		return
	}
	if !in.context.Matches(p) {
		ctx.Stats.PacketsForwarded.Increment()
		in.Output(ctx, 0, p)
		return
	}

	id, err := p.FlowID()
	if err != nil {
		ctx.Stats.PacketsMalformed.Increment()
		return
	}
	fcb, dir, err := ctx.Flows.LookupOrCreate(id)
	if err != nil {
		ctx.Stats.PacketsDroppedNoResources.Increment()
		return
	}
	fcb.Touch(ctx.Clock.NowMonotonic())

	ctx.Flow = &element.FlowRef{FCB: fcb, Dir: dir}
	ctx.Stats.PacketsForwarded.Increment()
	in.Output(ctx, 0, p)
}

// InsertBytes opens n writable bytes at payload offset off of a datagram,
// settling the IP total length, UDP length and both checksums, and
// returns the gap for the caller to fill.
func InsertBytes(p *mb.Packet, off, n int) ([]byte, error) {
	if off < 0 || off > p.PayloadLength() || n <= 0 {
		return nil, fmt.Errorf("%w: insert %d at %d of %d payload bytes", mb.ErrPacketMalformed, n, off, p.PayloadLength())
	}
	gap, err := p.InsertBytes(p.PayloadOffset()+off, n)
	if err != nil {
		return nil, err
	}
	fixLengths(p, n)
	return gap, nil
}

// RemoveBytes deletes n payload bytes at offset off and settles lengths
// and checksums.
func RemoveBytes(p *mb.Packet, off, n int) error {
	if off < 0 || n <= 0 || off+n > p.PayloadLength() {
		return fmt.Errorf("%w: remove %d at %d of %d payload bytes", mb.ErrPacketMalformed, n, off, p.PayloadLength())
	}
	if err := p.RemoveBytes(p.PayloadOffset()+off, n); err != nil {
		return err
	}
	fixLengths(p, -n)
	return nil
}

func fixLengths(p *mb.Packet, delta int) {
	iphelp.SetTotalLength(p, uint16(int(iphelp.TotalLength(p))+delta))
	udp := p.UDP()
	udp.SetLength(uint16(int(udp.Length()) + delta))

	udpLen := udp.Length()
	udp.SetChecksum(0)
	xsum := iphelp.PseudoHeaderChecksum(p, udpLen)
	udp.SetChecksum(^udp.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)))
	iphelp.UpdateChecksum(p)
}
