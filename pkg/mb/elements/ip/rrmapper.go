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

package ip

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
)

// Pattern is one rewrite target: "SADDR SPORT DADDR DPORT", each field an
// address/port or "-" to keep the packet's value.
type Pattern struct {
	SrcAddr    tcpip.Address
	SrcPort    uint16
	DstAddr    tcpip.Address
	DstPort    uint16
	hasSrcAddr bool
	hasSrcPort bool
	hasDstAddr bool
	hasDstPort bool
}

// ParsePattern parses the four-field pattern syntax.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return Pattern{}, fmt.Errorf("%w: pattern %q needs 4 fields", mb.ErrConfigInvalid, s)
	}
	var pat Pattern
	var err error
	if pat.SrcAddr, pat.hasSrcAddr, err = parseAddr(fields[0]); err != nil {
		return Pattern{}, err
	}
	if pat.SrcPort, pat.hasSrcPort, err = parsePort(fields[1]); err != nil {
		return Pattern{}, err
	}
	if pat.DstAddr, pat.hasDstAddr, err = parseAddr(fields[2]); err != nil {
		return Pattern{}, err
	}
	if pat.DstPort, pat.hasDstPort, err = parsePort(fields[3]); err != nil {
		return Pattern{}, err
	}
	return pat, nil
}

func parseAddr(s string) (tcpip.Address, bool, error) {
	if s == "-" {
		return tcpip.Address{}, false, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return tcpip.Address{}, false, fmt.Errorf("%w: bad IPv4 address %q", mb.ErrConfigInvalid, s)
	}
	return tcpip.AddrFrom4(a.As4()), true, nil
}

func parsePort(s string) (uint16, bool, error) {
	if s == "-" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false, fmt.Errorf("%w: bad port %q", mb.ErrConfigInvalid, s)
	}
	return uint16(n), true, nil
}

// RoundRobinMapper rewrites each new connection against the next pattern
// in its pool, the way a load balancer spreads flows across backends.
// Established connections keep their pattern.
type RoundRobinMapper struct {
	element.Base

	patterns []Pattern

	mu     sync.Mutex
	next   int
	chosen map[mb.FlowID]int
}

func init() {
	element.RegisterClass("IPRoundRobinMapper", func() element.Element {
		return &RoundRobinMapper{}
	})
}

// ClassName implements element.Element.
func (*RoundRobinMapper) ClassName() string { return "IPRoundRobinMapper" }

// Ports implements element.Element.
func (*RoundRobinMapper) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*RoundRobinMapper) Processing() element.Processing { return element.Push }

// Configure implements element.Element. At least one PATTERN is required.
func (m *RoundRobinMapper) Configure(conf *element.Config) error {
	for _, s := range conf.Strings("PATTERN") {
		pat, err := ParsePattern(s)
		if err != nil {
			return err
		}
		m.patterns = append(m.patterns, pat)
	}
	if len(m.patterns) == 0 {
		return fmt.Errorf("%w: IPRoundRobinMapper needs at least one PATTERN", mb.ErrConfigInvalid)
	}
	return conf.Finish()
}

// Initialize implements element.Element.
func (m *RoundRobinMapper) Initialize(*element.Context) error {
	m.chosen = make(map[mb.FlowID]int)
	return nil
}

// Push implements element.Element.
func (m *RoundRobinMapper) Push(ctx *element.Context, port int, p *mb.Packet) {
	id, err := p.FlowID()
	if err != nil {
		ctx.Stats.PacketsMalformed.Increment()
		return
	}

	m.mu.Lock()
	idx, ok := m.chosen[id]
	if !ok {
		idx = m.next
		m.next = (m.next + 1) % len(m.patterns)
		m.chosen[id] = idx
	}
	m.mu.Unlock()

	m.apply(p, m.patterns[idx])
	m.Output(ctx, 0, p)
}

func (m *RoundRobinMapper) apply(p *mb.Packet, pat Pattern) {
	ip := p.Network()
	if pat.hasSrcAddr {
		ip.SetSourceAddress(pat.SrcAddr)
	}
	if pat.hasDstAddr {
		ip.SetDestinationAddress(pat.DstAddr)
	}

	transportLen := ip.TotalLength() - uint16(ip.HeaderLength())
	xsum := PseudoHeaderChecksum(p, transportLen)
	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcp := p.TCP()
		if pat.hasSrcPort {
			tcp.SetSourcePort(pat.SrcPort)
		}
		if pat.hasDstPort {
			tcp.SetDestinationPort(pat.DstPort)
		}
		tcp.SetChecksum(0)
		tcp.SetChecksum(^tcp.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)))
	case header.UDPProtocolNumber:
		udp := p.UDP()
		if pat.hasSrcPort {
			udp.SetSourcePort(pat.SrcPort)
		}
		if pat.hasDstPort {
			udp.SetDestinationPort(pat.DstPort)
		}
		udp.SetChecksum(0)
		udp.SetChecksum(^udp.CalculateChecksum(checksum.Checksum(p.Payload(), xsum)))
	}
	UpdateChecksum(p)
}
