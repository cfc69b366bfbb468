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
	iphelp "midstack.dev/midstack/pkg/mb/elements/ip"
	"midstack.dev/midstack/pkg/mb/flow"
)

// Out is the TCPOut element, the egress half of one flow direction. It
// commits the packet's modification list into the direction's maintainer,
// translates sequence and acknowledgement numbers, settles lengths and
// checksums, and emits. Configuration:
//
//	FLOWDIRECTION n   required, 0 or 1
//	COMPANION name    the paired TCPIn instance of this direction
type Out struct {
	element.Base

	dir       mb.Direction
	companion string

	emitted        tcpip.StatCounter
	retransAligned tcpip.StatCounter
}

func init() {
	element.RegisterClass("TCPOut", func() element.Element { return &Out{} })
}

// ClassName implements element.Element.
func (*Out) ClassName() string { return "TCPOut" }

// Ports implements element.Element.
func (*Out) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*Out) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (o *Out) Configure(conf *element.Config) error {
	dir, err := conf.RequiredInt("FLOWDIRECTION")
	if err != nil {
		return err
	}
	o.dir = mb.Direction(dir)
	if !o.dir.IsValid() {
		return fmt.Errorf("%w: FLOWDIRECTION %d", mb.ErrConfigInvalid, dir)
	}
	o.companion = conf.String("COMPANION", "")
	return conf.Finish()
}

// Initialize implements element.Element.
func (o *Out) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(o.Name(), "emitted", func() string {
			return fmt.Sprintf("%d", o.emitted.Value())
		})
		ctx.Handlers.AddRead(o.Name(), "retrans_aligned", func() string {
			return fmt.Sprintf("%d", o.retransAligned.Value())
		})
	}
	return nil
}

// Push implements element.Element.
func (o *Out) Push(ctx *element.Context, port int, p *mb.Packet) {
	fl := ctx.Flow
	ctx.Flow = nil

	// Packets that never went through TCPIn's data path (foreign traffic,
	// or bare ACKs TCPIn already rewrote) pass straight through.
	if fl == nil || fl.Mods == nil {
		o.emit(ctx, p)
		return
	}

	fcb, dir := fl.FCB, fl.Dir
	t := p.TCP()
	m := fcb.Maintainer(dir)
	now := ctx.Clock.NowMonotonic()
	origSeq := seqnum.Value(t.SequenceNumber())

	if m.Initialized() && origSeq.LessThan(m.HighestSeqSeen()) {
		// A sequence we have already emitted: retransmission. Replay the
		// edited bytes we sent the first time when the alignment cache
		// still has them; otherwise re-rewrite with today's mapping but
		// keep the maintainer untouched, and let the receiver reconcile.
		if mapped, cached, ok := m.LookupEmitted(origSeq, now); ok {
			fl.Mods.Clear()
			o.replacePayload(p, cached)
			t = p.TCP()
			t.SetSequenceNumber(uint32(mapped))
			o.translateAck(fcb, dir, p)
			SetChecksum(p)
			o.retransAligned.Increment()
			o.emit(ctx, p)
			return
		}
		o.rewrite(ctx, fcb, dir, p, fl, false, now)
		return
	}

	o.rewrite(ctx, fcb, dir, p, fl, true, now)
}

// rewrite runs the egress path: translate the sequence with the mapping as
// it stood before this packet's edits, commit those edits (fresh data
// only), translate the acknowledgement, settle lengths and checksums.
func (o *Out) rewrite(ctx *element.Context, fcb *flow.FCB, dir mb.Direction, p *mb.Packet, fl *element.FlowRef, commit bool, now tcpip.MonotonicTime) {
	t := p.TCP()
	m := fcb.Maintainer(dir)
	origSeq := seqnum.Value(t.SequenceNumber())
	delta := fl.Mods.NetDelta()
	edited := !fl.Mods.Empty()

	// The declared lengths still describe the original payload; the edits
	// are only in the buffer until the total length is settled below.
	origEnd := origSeq.Add(logicalLength(p))

	mappedSeq := origSeq
	if m.Initialized() {
		mappedSeq = m.MapSeq(origSeq)
	}

	if commit {
		base := origSeq
		if t.Flags()&header.TCPFlagSyn != 0 {
			base = base.Add(1)
		}
		fcb.Lock()
		fl.Mods.Commit(m, base)
		fcb.Unlock()
	} else {
		fl.Mods.Clear()
	}

	t.SetSequenceNumber(uint32(mappedSeq))
	o.translateAck(fcb, dir, p)

	if delta != 0 {
		iphelp.SetTotalLength(p, uint16(int64(iphelp.TotalLength(p))+delta))
	}
	SetChecksum(p)

	fcb.Lock()
	m.SetLastSeqSent(mappedSeq)
	m.SetLastWindowSent(t.WindowSize())
	if m.Initialized() {
		m.NoteSeqSeen(origEnd)
	}
	if edited && commit {
		m.RecordEmitted(origSeq, mappedSeq, p.Payload(), now)
	}
	fcb.Unlock()

	o.emit(ctx, p)
}

// translateAck maps a piggybacked acknowledgement (and any SACK blocks)
// from the modified space of the reverse direction back into its sender's
// original space, and prunes what the ACK has passed.
func (o *Out) translateAck(fcb *flow.FCB, dir mb.Direction, p *mb.Packet) {
	t := p.TCP()
	if t.Flags()&header.TCPFlagAck == 0 {
		return
	}
	ack := seqnum.Value(t.AckNumber())

	fcb.Lock()
	defer fcb.Unlock()
	rev := fcb.Maintainer(dir.Opposite())
	if !rev.Initialized() {
		return
	}
	orig := rev.MapAck(ack)
	rev.Prune(ack)
	t.SetAckNumber(uint32(orig))
	rewriteSACKBlocks(t, func(v uint32) uint32 {
		return uint32(rev.MapSeqRev(seqnum.Value(v)))
	})
	fcb.Maintainer(dir).SetLastAckSent(orig)
}

// replacePayload swaps the packet's payload for cached bytes and fixes
// the IP total length accordingly. The physical extent is used, not the
// declared one: user elements may have edited the buffer without settling
// lengths.
func (o *Out) replacePayload(p *mb.Packet, cached []byte) {
	off := p.PayloadOffset()
	cur := p.Size() - off
	p.RemoveBytes(off, cur)
	gap, _ := p.InsertBytes(off, len(cached))
	copy(gap, cached)
	iphelp.SetTotalLength(p, uint16(off+len(cached)))
}

func logicalLength(p *mb.Packet) seqnum.Size {
	l := seqnum.Size(p.PayloadLength())
	flags := p.TCP().Flags()
	if flags&header.TCPFlagSyn != 0 {
		l++
	}
	if flags&header.TCPFlagFin != 0 {
		l++
	}
	return l
}

func (o *Out) emit(ctx *element.Context, p *mb.Packet) {
	o.emitted.Increment()
	ctx.Stats.PacketsForwarded.Increment()
	o.Output(ctx, 0, p)
}
