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

package tcp

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/flow"
	"midstack.dev/midstack/pkg/mb/modlist"
)

// In is the TCPIn element, the ingress half of one flow direction. It
// classifies the packet into its flow, advances the connection state
// machine, rewrites bare acknowledgements, and attaches the modification
// list that downstream user elements edit against. Configuration:
//
//	FLOWDIRECTION n   required, 0 or 1
//	COMPANION name    the paired TCPOut instance of this direction
type In struct {
	element.Base

	dir       mb.Direction
	companion string

	forwarded tcpip.StatCounter
	dropped   tcpip.StatCounter
}

func init() {
	element.RegisterClass("TCPIn", func() element.Element { return &In{} })
}

// ClassName implements element.Element.
func (*In) ClassName() string { return "TCPIn" }

// Ports implements element.Element.
func (*In) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*In) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (in *In) Configure(conf *element.Config) error {
	dir, err := conf.RequiredInt("FLOWDIRECTION")
	if err != nil {
		return err
	}
	in.dir = mb.Direction(dir)
	if !in.dir.IsValid() {
		return fmt.Errorf("%w: FLOWDIRECTION %d", mb.ErrConfigInvalid, dir)
	}
	in.companion = conf.String("COMPANION", "")
	return conf.Finish()
}

// Initialize implements element.Element.
func (in *In) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(in.Name(), "forwarded", func() string {
			return fmt.Sprintf("%d", in.forwarded.Value())
		})
		ctx.Handlers.AddRead(in.Name(), "dropped", func() string {
			return fmt.Sprintf("%d", in.dropped.Value())
		})
	}
	return nil
}

// Push implements element.Element.
func (in *In) Push(ctx *element.Context, port int, p *mb.Packet) {
	if err := p.Parse(); err != nil || p.Network().TransportProtocol() != header.TCPProtocolNumber {
		ctx.Stats.PacketsMalformed.Increment()
		in.dropped.Increment()
		return
	}

	id, err := p.FlowID()
	if err != nil {
		ctx.Stats.PacketsMalformed.Increment()
		in.dropped.Increment()
		return
	}
	fcb, dir, err := ctx.Flows.LookupOrCreate(id)
	if err != nil {
		ctx.Stats.PacketsDroppedNoResources.Increment()
		in.dropped.Increment()
		return
	}

	t := p.TCP()
	now := ctx.Clock.NowMonotonic()
	if _, err := fcb.UpdateState(dir, t, now); err != nil {
		// The segment is illegal for the flow's state: force-close the
		// flow and drop the segment. The endpoints produce the RST
		// exchange themselves; later segments pass unmediated until the
		// block is reaped.
		fcb.Abort(now)
		ctx.Stats.StateViolations.Increment()
		in.dropped.Increment()
		ctx.Logger.Debug("state violation", "element", in.Name(), "flow", id.String(), "err", err)
		return
	}
	fcb.InitSequence(dir, t)

	if sample := fcb.TakeRTTSample(); sample > 0 {
		fcb.Lock()
		fcb.Maintainer(dir).NewRTTEstimate(sample)
		fcb.Maintainer(dir.Opposite()).NewRTTEstimate(sample)
		fcb.Unlock()
	}

	if isPureAck(t, p.PayloadLength()) {
		in.rewriteAck(fcb, dir, p)
		ctx.Flow = &element.FlowRef{FCB: fcb, Dir: dir}
		in.forwarded.Increment()
		ctx.Stats.PacketsForwarded.Increment()
		in.Output(ctx, 0, p)
		return
	}

	ctx.Flow = &element.FlowRef{
		FCB:  fcb,
		Dir:  dir,
		Mods: modlist.New(ctx.ModNodes),
	}
	in.forwarded.Increment()
	in.Output(ctx, 0, p)
}

// rewriteAck maps a bare acknowledgement back into the peer sender's
// original sequence space and prunes mapping entries the ACK has passed.
// The acknowledged stream is the opposite direction's, so its maintainer
// translates, under the FCB lock.
func (in *In) rewriteAck(fcb *flow.FCB, dir mb.Direction, p *mb.Packet) {
	t := p.TCP()
	ack := seqnum.Value(t.AckNumber())

	fcb.Lock()
	rev := fcb.Maintainer(dir.Opposite())
	if rev.Initialized() {
		orig := rev.MapAck(ack)
		rev.Prune(ack)
		t.SetAckNumber(uint32(orig))
		rewriteSACKBlocks(t, func(v uint32) uint32 {
			return uint32(rev.MapSeqRev(seqnum.Value(v)))
		})
	}
	fcb.Maintainer(dir).SetLastAckSent(seqnum.Value(t.AckNumber()))
	fcb.Maintainer(dir).SetLastWindowSent(t.WindowSize())
	fcb.Unlock()

	SetChecksum(p)
}
