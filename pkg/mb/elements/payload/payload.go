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

// Package payload provides sample user elements for the chain between
// TCPIn and TCPOut: byte insertion and removal at fixed payload offsets.
// Middleboxes with real rewriting policies follow the same shape.
package payload

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/elements/tcp"
	"midstack.dev/midstack/pkg/mb/elements/udp"
)

// InsertContent inserts fixed bytes into every matching payload.
// Configuration:
//
//	OFFSET n      payload offset, default 0
//	DATA text     the bytes to insert, required
type InsertContent struct {
	element.Base

	offset int
	data   []byte

	edits tcpip.StatCounter
}

func init() {
	element.RegisterClass("InsertContent", func() element.Element { return &InsertContent{} })
	element.RegisterClass("StripContent", func() element.Element { return &StripContent{} })
}

// ClassName implements element.Element.
func (*InsertContent) ClassName() string { return "InsertContent" }

// Ports implements element.Element.
func (*InsertContent) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*InsertContent) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (e *InsertContent) Configure(conf *element.Config) error {
	var err error
	if e.offset, err = conf.Int("OFFSET", 0); err != nil {
		return err
	}
	e.data = []byte(conf.String("DATA", ""))
	if len(e.data) == 0 {
		return fmt.Errorf("%w: InsertContent needs DATA", mb.ErrConfigInvalid)
	}
	return conf.Finish()
}

// Initialize implements element.Element.
func (e *InsertContent) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(e.Name(), "edits", func() string {
			return fmt.Sprintf("%d", e.edits.Value())
		})
	}
	return nil
}

// Push implements element.Element. Payloads shorter than OFFSET pass
// through untouched.
func (e *InsertContent) Push(ctx *element.Context, port int, p *mb.Packet) {
	if p.PayloadLength() >= e.offset && p.PayloadLength() > 0 {
		var gap []byte
		var err error
		switch {
		case ctx.Flow != nil && ctx.Flow.Mods != nil:
			gap, err = tcp.InsertBytes(ctx, p, e.offset, len(e.data))
		case p.Network().TransportProtocol() == header.UDPProtocolNumber:
			gap, err = udp.InsertBytes(p, e.offset, len(e.data))
		}
		if err == nil && gap != nil {
			copy(gap, e.data)
			e.edits.Increment()
		}
	}
	e.Output(ctx, 0, p)
}

// StripContent removes a byte range from every matching payload.
// Configuration:
//
//	OFFSET n   payload offset, default 0
//	LENGTH n   bytes to remove, required
type StripContent struct {
	element.Base

	offset int
	length int

	edits tcpip.StatCounter
}

// ClassName implements element.Element.
func (*StripContent) ClassName() string { return "StripContent" }

// Ports implements element.Element.
func (*StripContent) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*StripContent) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (e *StripContent) Configure(conf *element.Config) error {
	var err error
	if e.offset, err = conf.Int("OFFSET", 0); err != nil {
		return err
	}
	if e.length, err = conf.RequiredInt("LENGTH"); err != nil {
		return err
	}
	if e.length <= 0 {
		return fmt.Errorf("%w: LENGTH must be positive", mb.ErrConfigInvalid)
	}
	return conf.Finish()
}

// Initialize implements element.Element.
func (e *StripContent) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(e.Name(), "edits", func() string {
			return fmt.Sprintf("%d", e.edits.Value())
		})
	}
	return nil
}

// Push implements element.Element. The range is clipped to the payload;
// an empty clip passes through.
func (e *StripContent) Push(ctx *element.Context, port int, p *mb.Packet) {
	n := e.length
	if e.offset+n > p.PayloadLength() {
		n = p.PayloadLength() - e.offset
	}
	if n > 0 {
		var err error
		switch {
		case ctx.Flow != nil && ctx.Flow.Mods != nil:
			err = tcp.RemoveBytes(ctx, p, e.offset, n)
		case p.Network().TransportProtocol() == header.UDPProtocolNumber:
			err = udp.RemoveBytes(p, e.offset, n)
		default:
			err = mb.ErrStateViolation
		}
		if err == nil {
			e.edits.Increment()
		}
	}
	e.Output(ctx, 0, p)
}
