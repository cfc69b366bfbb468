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

package tcp_test

import (
	"bytes"
	"strconv"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/faketime"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/elements/tcp"
	"midstack.dev/midstack/pkg/mb/flow"
	"midstack.dev/midstack/pkg/mb/pipeline"
	"midstack.dev/midstack/pkg/mb/testutil"
)

// mutate is a user element driven by a closure, standing in for a real
// rewriting policy between TCPIn and TCPOut.
type mutate struct {
	element.Base
	fn func(ctx *element.Context, p *mb.Packet)
}

func (*mutate) ClassName() string                        { return "testMutator" }
func (*mutate) Ports() (int, int)                        { return 1, 1 }
func (*mutate) Processing() element.Processing           { return element.Push }
func (*mutate) Configure(conf *element.Config) error     { return nil }
func (*mutate) Initialize(*element.Context) error        { return nil }
func (m *mutate) Push(ctx *element.Context, port int, p *mb.Packet) {
	if m.fn != nil {
		m.fn(ctx, p)
	}
	m.Output(ctx, 0, p)
}

// harness wires one TCPIn/TCPOut chain per direction over a shared flow
// table, with a mutator slot in direction A's chain.
type harness struct {
	clock *faketime.ManualClock
	ctx   *element.Context
	inA   element.Element
	inB   element.Element
	sinkA *pipeline.Sink
	sinkB *pipeline.Sink
	mutA  *mutate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: faketime.NewManualClock(),
		sinkA: &pipeline.Sink{},
		sinkB: &pipeline.Sink{},
		mutA:  &mutate{},
	}
	stats := &mb.Stats{}
	table := flow.NewTable(h.clock, 0, stats)
	h.ctx = element.NewContext(0, h.clock, nil, table, stats)

	mkChain := func(dir int, mut *mutate, sink *pipeline.Sink) element.Element {
		in := mustElement(t, "TCPIn", "FLOWDIRECTION "+itoa(dir))
		out := mustElement(t, "TCPOut", "FLOWDIRECTION "+itoa(dir))
		if mut != nil {
			in.(connector).Connect(0, mut, 0)
			mut.Connect(0, out, 0)
		} else {
			in.(connector).Connect(0, out, 0)
		}
		out.(connector).Connect(0, sink, 0)
		return in
	}
	h.inA = mkChain(0, h.mutA, h.sinkA)
	h.inB = mkChain(1, nil, h.sinkB)
	return h
}

type connector interface {
	Connect(int, element.Element, int)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func (h *harness) pushA(p *mb.Packet) {
	h.ctx.Flow = nil
	h.inA.Push(h.ctx, 0, p)
}

func (h *harness) pushB(p *mb.Packet) {
	h.ctx.Flow = nil
	h.inB.Push(h.ctx, 0, p)
}

func mustElement(t *testing.T, class, conf string) element.Element {
	t.Helper()
	e, err := element.NewByClass(class)
	if err != nil {
		t.Fatal(err)
	}
	c, err := element.ParseConfig(conf)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Configure(c); err != nil {
		t.Fatal(err)
	}
	return e
}

func reverse(f testutil.TCPFields) testutil.TCPFields {
	f.SrcAddr, f.DstAddr = testutil.ServerAddr, testutil.ClientAddr
	f.SrcPort, f.DstPort = testutil.ServerPort, testutil.ClientPort
	return f
}

// handshake runs SYN / SYN-ACK / ACK through the harness and drains the
// sinks.
func (h *harness) handshake(t *testing.T) {
	t.Helper()
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1000, Flags: header.TCPFlagSyn}))
	h.pushB(testutil.MakeTCP(reverse(testutil.TCPFields{Seq: 5000, Ack: 1001, Flags: header.TCPFlagSyn | header.TCPFlagAck})))
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Flags: header.TCPFlagAck}))
	if got := len(h.sinkA.Take()); got != 2 {
		t.Fatalf("handshake emitted %d packets on A, want 2", got)
	}
	if got := len(h.sinkB.Take()); got != 1 {
		t.Fatalf("handshake emitted %d packets on B, want 1", got)
	}
}

// No edits: the stream passes byte for byte, sequence and ack untouched.
func TestPassThroughUnmodified(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	payload := []byte("0123456789")
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: payload}))

	out := h.sinkA.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets, want 1", len(out))
	}
	p := out[0]
	if !bytes.Equal(p.Payload(), payload) {
		t.Errorf("payload = %q, want %q", p.Payload(), payload)
	}
	if got := p.TCP().SequenceNumber(); got != 1001 {
		t.Errorf("seq = %d, want 1001", got)
	}
	if got := p.TCP().AckNumber(); got != 5001 {
		t.Errorf("ack = %d, want 5001", got)
	}
	if !testutil.ChecksumsValid(p) {
		t.Error("checksums invalid on pass-through")
	}
}

// Insertion: 4 bytes at payload offset 10 of a 20-byte segment; the next
// segment shifts by the delta.
func TestInsertionRewritesLengthsAndLaterSegments(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.mutA.fn = func(ctx *element.Context, p *mb.Packet) {
		if p.PayloadLength() >= 10 {
			gap, err := tcp.InsertBytes(ctx, p, 10, 4)
			if err != nil {
				t.Fatalf("InsertBytes: %v", err)
			}
			copy(gap, "MARK")
		}
	}
	totalBefore := uint16(0)
	{
		d := testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: []byte("aaaaaaaaaabbbbbbbbbb")})
		totalBefore = d.Network().TotalLength()
		h.pushA(d)
	}
	out := h.sinkA.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets, want 1", len(out))
	}
	d := out[0]
	if got := d.TCP().SequenceNumber(); got != 1001 {
		t.Errorf("edited segment seq = %d, want 1001", got)
	}
	if got := d.PayloadLength(); got != 24 {
		t.Errorf("edited payload length = %d, want 24", got)
	}
	if got := d.Network().TotalLength(); got != totalBefore+4 {
		t.Errorf("total length = %d, want %d", got, totalBefore+4)
	}
	if want := []byte("aaaaaaaaaaMARKbbbbbbbbbb"); !bytes.Equal(d.Payload(), want) {
		t.Errorf("payload = %q, want %q", d.Payload(), want)
	}
	if !testutil.ChecksumsValid(d) {
		t.Error("checksums invalid after edit")
	}

	// A later, untouched segment carries the shifted sequence.
	h.mutA.fn = nil
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1021, Ack: 5001, Payload: []byte("0123456789")}))
	out = h.sinkA.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets, want 1", len(out))
	}
	if got := out[0].TCP().SequenceNumber(); got != 1025 {
		t.Errorf("later segment seq = %d, want 1025", got)
	}
	if !testutil.ChecksumsValid(out[0]) {
		t.Error("checksums invalid on shifted segment")
	}
}

// Reverse ACK translation: the peer acks the modified space; the sender
// must see its own.
func TestReverseAckTranslation(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.mutA.fn = func(ctx *element.Context, p *mb.Packet) {
		if p.PayloadLength() >= 10 {
			gap, _ := tcp.InsertBytes(ctx, p, 10, 4)
			copy(gap, "MARK")
		}
	}
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: []byte("aaaaaaaaaabbbbbbbbbb")}))
	h.sinkA.Take()

	h.pushB(testutil.MakeTCP(reverse(testutil.TCPFields{Seq: 5001, Ack: 1025, Flags: header.TCPFlagAck})))
	out := h.sinkB.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets on B, want 1", len(out))
	}
	if got := out[0].TCP().AckNumber(); got != 1021 {
		t.Errorf("translated ack = %d, want 1021", got)
	}
	if !testutil.ChecksumsValid(out[0]) {
		t.Error("checksums invalid after ack rewrite")
	}
}

// Removal spanning two segments: each loses bytes, and the cumulative
// delta carries into everything after.
func TestRemovalAcrossSegments(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.mutA.fn = func(ctx *element.Context, p *mb.Packet) {
		switch p.TCP().SequenceNumber() {
		case 1001: // drop its last 2 payload bytes
			if err := tcp.RemoveBytes(ctx, p, 18, 2); err != nil {
				t.Fatalf("RemoveBytes: %v", err)
			}
		case 1021: // drop its first 2 payload bytes
			if err := tcp.RemoveBytes(ctx, p, 0, 2); err != nil {
				t.Fatalf("RemoveBytes: %v", err)
			}
		}
	}

	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: []byte("aaaaaaaaaabbbbbbbbcc")}))
	out := h.sinkA.Take()
	if len(out) != 1 || out[0].PayloadLength() != 18 {
		t.Fatalf("first segment payload = %d bytes, want 18", out[0].PayloadLength())
	}
	if !testutil.ChecksumsValid(out[0]) {
		t.Error("checksums invalid on shortened segment")
	}

	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1021, Ack: 5001, Payload: []byte("ddeeeeeeee")}))
	out = h.sinkA.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets, want 1", len(out))
	}
	if got := out[0].TCP().SequenceNumber(); got != 1019 {
		t.Errorf("second segment seq = %d, want 1019", got)
	}
	if got := out[0].PayloadLength(); got != 8 {
		t.Errorf("second segment payload = %d bytes, want 8", got)
	}

	// Cumulative -4 from here on.
	h.mutA.fn = nil
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1031, Ack: 5001, Payload: []byte("ffff")}))
	out = h.sinkA.Take()
	if got := out[0].TCP().SequenceNumber(); got != 1027 {
		t.Errorf("third segment seq = %d, want 1027", got)
	}
}

// A retransmission inside the alignment window replays the bytes emitted
// the first time, without re-entering the mapping.
func TestRetransmissionAlignment(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	edits := 0
	h.mutA.fn = func(ctx *element.Context, p *mb.Packet) {
		if p.PayloadLength() >= 10 {
			edits++
			gap, err := tcp.InsertBytes(ctx, p, 10, 4)
			if err != nil {
				return // no edit recorded; forward the packet as it is
			}
			copy(gap, "MARK")
		}
	}

	orig := testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: []byte("aaaaaaaaaabbbbbbbbbb")}
	h.pushA(testutil.MakeTCP(orig))
	first := h.sinkA.Take()[0]

	fcb, _, ok := h.ctx.Flows.Lookup(mustFlowID(t, first))
	if !ok {
		t.Fatal("flow missing after data")
	}
	deltaAfterFirst := fcb.Maintainer(mb.DirectionA).CumulativeDelta()

	h.pushA(testutil.MakeTCP(orig))
	out := h.sinkA.Take()
	if len(out) != 1 {
		t.Fatalf("retransmission emitted %d packets, want 1", len(out))
	}
	second := out[0]

	if got, want := second.TCP().SequenceNumber(), first.TCP().SequenceNumber(); got != want {
		t.Errorf("retransmitted seq = %d, want %d", got, want)
	}
	if !bytes.Equal(second.Payload(), first.Payload()) {
		t.Errorf("retransmitted payload differs from original emission")
	}
	if got := fcb.Maintainer(mb.DirectionA).CumulativeDelta(); got != deltaAfterFirst {
		t.Errorf("mapping delta changed by retransmission: %d -> %d", deltaAfterFirst, got)
	}
	if !testutil.ChecksumsValid(second) {
		t.Error("checksums invalid on aligned retransmission")
	}
}

// SACK blocks on a bare ACK are translated with the acknowledgement.
func TestSACKRewrite(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.mutA.fn = func(ctx *element.Context, p *mb.Packet) {
		if p.PayloadLength() >= 10 {
			gap, _ := tcp.InsertBytes(ctx, p, 10, 4)
			copy(gap, "MARK")
		}
	}
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1001, Ack: 5001, Payload: []byte("aaaaaaaaaabbbbbbbbbb")}))
	h.sinkA.Take()
	h.mutA.fn = nil
	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 1021, Ack: 5001, Payload: []byte("0123456789")}))
	h.sinkA.Take()

	// Peer acks the first segment and SACKs the second, both in the
	// modified space.
	h.pushB(testutil.MakeTCP(reverse(testutil.TCPFields{
		Seq:        5001,
		Ack:        1025,
		Flags:      header.TCPFlagAck,
		SACKBlocks: []header.SACKBlock{{Start: 1025, End: 1035}},
	})))
	out := h.sinkB.Take()
	if len(out) != 1 {
		t.Fatalf("emitted %d packets on B, want 1", len(out))
	}
	tt := out[0].TCP()
	if got := tt.AckNumber(); got != 1021 {
		t.Errorf("ack = %d, want 1021", got)
	}
	opts := header.ParseTCPOptions(tt.Options())
	if len(opts.SACKBlocks) != 1 {
		t.Fatalf("SACK blocks = %v, want 1 block", opts.SACKBlocks)
	}
	if got := opts.SACKBlocks[0]; got.Start != 1021 || got.End != 1031 {
		t.Errorf("SACK block = [%d,%d), want [1021,1031)", got.Start, got.End)
	}
	if !testutil.ChecksumsValid(out[0]) {
		t.Error("checksums invalid after SACK rewrite")
	}
}

// A SYN on an established flow is a state violation: dropped and counted.
func TestSynOnEstablishedDropped(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.pushA(testutil.MakeTCP(testutil.TCPFields{Seq: 7777, Flags: header.TCPFlagSyn}))
	if got := len(h.sinkA.Take()); got != 0 {
		t.Errorf("violating SYN emitted %d packets, want 0", got)
	}
	if got := h.ctx.Stats.StateViolations.Value(); got != 1 {
		t.Errorf("StateViolations = %d, want 1", got)
	}
}

func mustFlowID(t *testing.T, p *mb.Packet) mb.FlowID {
	t.Helper()
	id, err := p.FlowID()
	if err != nil {
		t.Fatal(err)
	}
	return id
}
