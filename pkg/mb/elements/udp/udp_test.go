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

package udp_test

import (
	"bytes"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/faketime"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/elements/udp"
	"midstack.dev/midstack/pkg/mb/flow"
	"midstack.dev/midstack/pkg/mb/pipeline"
	"midstack.dev/midstack/pkg/mb/testutil"
)

func newCtx() *element.Context {
	clock := faketime.NewManualClock()
	stats := &mb.Stats{}
	return element.NewContext(0, clock, nil, flow.NewTable(clock, 0, stats), stats)
}

func TestInsertBytesSettlesEverything(t *testing.T) {
	p := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("hello world")})
	lenBefore := p.Network().TotalLength()

	gap, err := udp.InsertBytes(p, 5, 3)
	if err != nil {
		t.Fatalf("InsertBytes() = %v", err)
	}
	copy(gap, "+++")

	if want := []byte("hello+++ world"); !bytes.Equal(p.Payload(), want) {
		t.Errorf("payload = %q, want %q", p.Payload(), want)
	}
	if got := p.Network().TotalLength(); got != lenBefore+3 {
		t.Errorf("total length = %d, want %d", got, lenBefore+3)
	}
	if got := p.UDP().Length(); got != uint16(8+14) {
		t.Errorf("UDP length = %d, want 22", got)
	}
	if !testutil.ChecksumsValid(p) {
		t.Error("checksums invalid after insert")
	}
}

func TestRemoveBytesSettlesEverything(t *testing.T) {
	p := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("hello world")})
	if err := udp.RemoveBytes(p, 0, 6); err != nil {
		t.Fatalf("RemoveBytes() = %v", err)
	}
	if want := []byte("world"); !bytes.Equal(p.Payload(), want) {
		t.Errorf("payload = %q, want %q", p.Payload(), want)
	}
	if !testutil.ChecksumsValid(p) {
		t.Error("checksums invalid after remove")
	}
}

func TestRemoveBeyondPayloadFails(t *testing.T) {
	p := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("abc")})
	if err := udp.RemoveBytes(p, 1, 5); err == nil {
		t.Error("RemoveBytes beyond payload succeeded")
	}
}

func TestUDPInClassifiesAndForwards(t *testing.T) {
	ctx := newCtx()
	in, err := element.NewByClass("UDPIn")
	if err != nil {
		t.Fatal(err)
	}
	conf, _ := element.ParseConfig("")
	if err := in.Configure(conf); err != nil {
		t.Fatal(err)
	}
	sink := &pipeline.Sink{}
	in.(interface {
		Connect(int, element.Element, int)
	}).Connect(0, sink, 0)

	p := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("datagram")})
	in.Push(ctx, 0, p)

	if got := len(sink.Take()); got != 1 {
		t.Fatalf("forwarded %d packets, want 1", got)
	}
	if ctx.Flows.Len() != 1 {
		t.Errorf("flow table has %d sessions, want 1", ctx.Flows.Len())
	}
	if ctx.Flow == nil || ctx.Flow.Mods != nil {
		t.Error("UDP flow ref should carry no modification list")
	}
}
