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

// Package pcapreplay drives a pipeline from capture files: a reader that
// injects a pcap's packets, and a writer element that records what the
// graph emits. It stands in for NIC I/O, which lives outside the core.
package pcapreplay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
)

const etherTypeIPv4 = 0x0800

// Inject is the consumer Replay feeds, normally Pipeline.Inject.
type Inject func(*mb.Packet)

// Replay reads a pcap stream and injects every IPv4 packet. Ethernet and
// raw-IP link types are understood; other link types and non-IPv4 frames
// are skipped and counted in the second return. progress, when non-nil,
// receives each packet's wire length as it is consumed.
func Replay(r io.Reader, inject Inject, progress func(int)) (injected, skipped int, err error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, 0, fmt.Errorf("reading pcap header: %w", err)
	}
	linkType := pr.LinkType()

	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return injected, skipped, nil
		}
		if err != nil {
			return injected, skipped, fmt.Errorf("reading packet: %w", err)
		}
		if progress != nil {
			progress(ci.Length)
		}

		ipPkt, ok := stripLink(linkType, data)
		if !ok {
			skipped++
			continue
		}
		inject(mb.NewPacket(ipPkt, mb.DefaultHeadroom))
		injected++
	}
}

func stripLink(linkType layers.LinkType, data []byte) ([]byte, bool) {
	switch linkType {
	case layers.LinkTypeEthernet:
		if len(data) < 14 || binary.BigEndian.Uint16(data[12:14]) != etherTypeIPv4 {
			return nil, false
		}
		return data[14:], true
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		if len(data) < 1 || data[0]>>4 != 4 {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

// Writer is the PcapWriter element: it records every packet it sees to a
// raw-IP pcap file and forwards it on. Configuration:
//
//	FILE path   output file, required
type Writer struct {
	element.Base

	path string

	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func init() {
	element.RegisterClass("PcapWriter", func() element.Element { return &Writer{} })
}

// ClassName implements element.Element.
func (*Writer) ClassName() string { return "PcapWriter" }

// Ports implements element.Element.
func (*Writer) Ports() (int, int) { return 1, 1 }

// Processing implements element.Element.
func (*Writer) Processing() element.Processing { return element.Agnostic }

// Configure implements element.Element.
func (w *Writer) Configure(conf *element.Config) error {
	w.path = conf.String("FILE", "")
	if w.path == "" {
		return fmt.Errorf("%w: PcapWriter needs FILE", mb.ErrConfigInvalid)
	}
	return conf.Finish()
}

// Initialize implements element.Element.
func (w *Writer) Initialize(*element.Context) error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("%w: %v", mb.ErrConfigInvalid, err)
	}
	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", mb.ErrConfigInvalid, err)
	}
	w.f, w.w = f, pw
	return nil
}

// Push implements element.Element.
func (w *Writer) Push(ctx *element.Context, port int, p *mb.Packet) {
	data := p.Data()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	w.mu.Lock()
	if w.w != nil {
		if err := w.w.WritePacket(ci, data); err != nil {
			ctx.Logger.Warn("pcap write failed", "element", w.Name(), "err", err)
		}
	}
	w.mu.Unlock()
	w.Output(ctx, 0, p)
}

// Close flushes and closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f, w.w = nil, nil
	return err
}
