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

package pipeline

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
)

// Discard terminates a graph path, counting what it swallows.
type Discard struct {
	element.Base

	count tcpip.StatCounter
}

func init() {
	element.RegisterClass("Discard", func() element.Element { return &Discard{} })
}

// ClassName implements element.Element.
func (*Discard) ClassName() string { return "Discard" }

// Ports implements element.Element.
func (*Discard) Ports() (int, int) { return 1, 0 }

// Processing implements element.Element.
func (*Discard) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (d *Discard) Configure(conf *element.Config) error { return conf.Finish() }

// Initialize implements element.Element.
func (d *Discard) Initialize(ctx *element.Context) error {
	if ctx.Handlers != nil {
		ctx.Handlers.AddRead(d.Name(), "count", func() string {
			return fmt.Sprintf("%d", d.count.Value())
		})
	}
	return nil
}

// Push implements element.Element.
func (d *Discard) Push(ctx *element.Context, port int, p *mb.Packet) {
	d.count.Increment()
}

// Sink collects emitted packets for tests and programmatic consumers. It
// is not registered as a class; wire it with Connect.
type Sink struct {
	element.Base

	mu   sync.Mutex
	pkts []*mb.Packet
}

// ClassName implements element.Element.
func (*Sink) ClassName() string { return "Sink" }

// Ports implements element.Element.
func (*Sink) Ports() (int, int) { return 1, 0 }

// Processing implements element.Element.
func (*Sink) Processing() element.Processing { return element.Push }

// Configure implements element.Element.
func (s *Sink) Configure(conf *element.Config) error { return conf.Finish() }

// Initialize implements element.Element.
func (s *Sink) Initialize(*element.Context) error { return nil }

// Push implements element.Element.
func (s *Sink) Push(ctx *element.Context, port int, p *mb.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkts = append(s.pkts, p)
}

// Take returns and clears the collected packets.
func (s *Sink) Take() []*mb.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pkts
	s.pkts = nil
	return out
}
