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

// Package element defines the pipeline element contract: a named,
// configurable packet processor with push ports, plus the registries that
// let configuration files and the handler surface refer to elements by
// name.
package element

import (
	"fmt"

	"midstack.dev/midstack/pkg/mb"
)

// Processing describes how an element moves packets.
type Processing int

const (
	// Push elements receive packets from upstream.
	Push Processing = iota

	// Pull elements are polled by downstream. None of the core elements
	// pull; sources drive the graph in push mode.
	Pull

	// Agnostic elements work either way.
	Agnostic
)

// Element is one node of the processing graph. The framework calls
// Configure once, then Initialize once, then Push per packet arrival.
// Configuration errors are fatal to startup; per-packet errors are
// absorbed and counted.
type Element interface {
	// ClassName returns the element class, e.g. "TCPReorder".
	ClassName() string

	// Ports returns the input and output port counts.
	Ports() (in, out int)

	// Processing returns the element's processing mode.
	Processing() Processing

	// Configure applies the keyword configuration.
	Configure(conf *Config) error

	// Initialize prepares the element for traffic on ctx's worker.
	Initialize(ctx *Context) error

	// Push processes one packet arriving on port.
	Push(ctx *Context, port int, p *mb.Packet)
}

// Batcher is implemented by batch-capable elements.
type Batcher interface {
	PushBatch(ctx *Context, port int, batch []*mb.Packet)
}

type target struct {
	elem Element
	port int
}

// Base carries the wiring shared by every element: its instance name and
// its output ports. Embed it and call Output to push downstream.
type Base struct {
	name    string
	outputs []target
}

// SetName records the instance name from the configuration file.
func (b *Base) SetName(name string) { b.name = name }

// Name returns the instance name.
func (b *Base) Name() string { return b.name }

// Connect wires output port to input toPort of to. Ports grow as needed;
// the pipeline validates counts against Ports().
func (b *Base) Connect(port int, to Element, toPort int) {
	for len(b.outputs) <= port {
		b.outputs = append(b.outputs, target{})
	}
	b.outputs[port] = target{elem: to, port: toPort}
}

// Output pushes p out of port. A packet pushed to an unwired port is
// dropped, matching a dangling output in the graph.
func (b *Base) Output(ctx *Context, port int, p *mb.Packet) {
	if port >= len(b.outputs) || b.outputs[port].elem == nil {
		return
	}
	t := b.outputs[port]
	t.elem.Push(ctx, t.port, p)
}

// OutputBatch pushes a batch out of port, using the downstream element's
// batch path when it has one.
func (b *Base) OutputBatch(ctx *Context, port int, batch []*mb.Packet) {
	if len(batch) == 0 || port >= len(b.outputs) || b.outputs[port].elem == nil {
		return
	}
	t := b.outputs[port]
	if batcher, ok := t.elem.(Batcher); ok {
		batcher.PushBatch(ctx, t.port, batch)
		return
	}
	for _, p := range batch {
		t.elem.Push(ctx, t.port, p)
	}
}

// CheckPorts validates that an element instance was wired consistently
// with its declared port counts.
func CheckPorts(e Element, wiredOut int) error {
	_, out := e.Ports()
	if wiredOut > out {
		return fmt.Errorf("%w: %s has %d outputs, %d wired", mb.ErrConfigInvalid, e.ClassName(), out, wiredOut)
	}
	return nil
}
