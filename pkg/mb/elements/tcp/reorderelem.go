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

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/reorder"
)

// Reorder is the TCPReorder element: it releases each flow direction's
// segments in sequence order. Configuration:
//
//	FLOWDIRECTION n   required, 0 or 1; the direction this instance serves
//	MERGESORT bool    batch placement policy, default true
//	CAPACITY n        hold-list bound per direction, default 20
type Reorder struct {
	element.Base

	dir       mb.Direction
	mergeSort bool
	capacity  int
}

func init() {
	element.RegisterClass("TCPReorder", func() element.Element { return &Reorder{} })
}

// ClassName implements element.Element.
func (*Reorder) ClassName() string { return "TCPReorder" }

// Ports implements element.Element.
func (*Reorder) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*Reorder) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (r *Reorder) Configure(conf *element.Config) error {
	dir, err := conf.RequiredInt("FLOWDIRECTION")
	if err != nil {
		return err
	}
	r.dir = mb.Direction(dir)
	if !r.dir.IsValid() {
		return fmt.Errorf("%w: FLOWDIRECTION %d", mb.ErrConfigInvalid, dir)
	}
	if r.mergeSort, err = conf.Bool("MERGESORT", true); err != nil {
		return err
	}
	if r.capacity, err = conf.Int("CAPACITY", reorder.DefaultCapacity); err != nil {
		return err
	}
	return conf.Finish()
}

// Initialize implements element.Element.
func (r *Reorder) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(r.Name(), "flowdirection", func() string {
			return fmt.Sprintf("%d", int(r.dir))
		})
	}
	return nil
}

func (r *Reorder) queueFor(ctx *element.Context, p *mb.Packet) (*reorder.Queue, error) {
	id, err := p.FlowID()
	if err != nil {
		return nil, err
	}
	fcb, dir, err := ctx.Flows.LookupOrCreate(id)
	if err != nil {
		return nil, err
	}
	q := fcb.ReorderQueue(dir)
	if q == nil {
		q = reorder.New(ctx.ReorderNodes, r.capacity, ctx.Stats)
		fcb.SetReorderQueue(dir, q)
	}
	return q, nil
}

// Push implements element.Element.
func (r *Reorder) Push(ctx *element.Context, port int, p *mb.Packet) {
	if err := p.Parse(); err != nil || p.Network().TransportProtocol() != header.TCPProtocolNumber {
		ctx.Stats.PacketsMalformed.Increment()
		return
	}
	q, err := r.queueFor(ctx, p)
	if err != nil {
		r.drop(ctx, err)
		return
	}
	for _, released := range q.Push(p) {
		r.Output(ctx, 0, released)
	}
}

// PushBatch implements element.Batcher. Segments are grouped by flow,
// each group placed with one merge sort when MERGESORT is set.
func (r *Reorder) PushBatch(ctx *element.Context, port int, batch []*mb.Packet) {
	if !r.mergeSort {
		for _, p := range batch {
			r.Push(ctx, port, p)
		}
		return
	}

	type group struct {
		q    *reorder.Queue
		pkts []*mb.Packet
	}
	var groups []*group
	byFlow := make(map[*reorder.Queue]*group)

	for _, p := range batch {
		if err := p.Parse(); err != nil || p.Network().TransportProtocol() != header.TCPProtocolNumber {
			ctx.Stats.PacketsMalformed.Increment()
			continue
		}
		q, err := r.queueFor(ctx, p)
		if err != nil {
			r.drop(ctx, err)
			continue
		}
		g, ok := byFlow[q]
		if !ok {
			g = &group{q: q}
			byFlow[q] = g
			groups = append(groups, g)
		}
		g.pkts = append(g.pkts, p)
	}

	var out []*mb.Packet
	for _, g := range groups {
		out = append(out, g.q.PushBatch(g.pkts)...)
	}
	r.OutputBatch(ctx, 0, out)
}

func (r *Reorder) drop(ctx *element.Context, err error) {
	ctx.Stats.PacketsDroppedNoResources.Increment()
	ctx.Logger.Debug("reorder drop", "element", r.Name(), "err", err)
}
