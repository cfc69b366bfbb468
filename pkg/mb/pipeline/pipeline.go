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
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/element"
	"midstack.dev/midstack/pkg/mb/flow"
)

// reapInterval is how often closed flows are swept from the table.
const reapInterval = 2 * time.Second

// queueDepth is the per-worker inject queue.
const queueDepth = 512

// Options configures a pipeline build.
type Options struct {
	Clock    tcpip.Clock
	Logger   *slog.Logger
	Handlers *element.Handlers
	Stats    *mb.Stats

	// Seed perturbs flow steering so restarts don't always land flows on
	// the same workers.
	Seed uint32
}

// Pipeline is a built graph: the element instances, one context per
// worker, and the shared flow table.
type Pipeline struct {
	cfg      *GraphConfig
	elements map[string]element.Element
	input    element.Element

	table    *flow.Table
	stats    *mb.Stats
	handlers *element.Handlers
	clock    tcpip.Clock
	logger   *slog.Logger
	seed     uint32

	contexts []*element.Context
	queues   []chan *mb.Packet
}

// Build instantiates, configures and wires the graph. Configuration
// errors abort here, before any traffic.
func Build(cfg *GraphConfig, opts Options) (*Pipeline, error) {
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = &mb.Stats{}
	}
	if opts.Handlers == nil {
		opts.Handlers = element.NewHandlers()
	}

	p := &Pipeline{
		cfg:      cfg,
		elements: make(map[string]element.Element, len(cfg.Elements)),
		table:    flow.NewTable(opts.Clock, cfg.MaxFlows, opts.Stats),
		stats:    opts.Stats,
		handlers: opts.Handlers,
		clock:    opts.Clock,
		logger:   opts.Logger,
		seed:     opts.Seed,
	}

	for _, ec := range cfg.Elements {
		e, err := element.NewByClass(ec.Class)
		if err != nil {
			return nil, err
		}
		if base, ok := e.(interface{ SetName(string) }); ok {
			base.SetName(ec.Name)
		}
		conf, err := element.ParseConfig(ec.Config)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ec.Name, err)
		}
		if err := e.Configure(conf); err != nil {
			return nil, fmt.Errorf("%s: %w", ec.Name, err)
		}
		p.elements[ec.Name] = e
	}

	wired := map[string]int{}
	for _, l := range cfg.Links {
		from := p.elements[l.From]
		base, ok := from.(interface {
			Connect(int, element.Element, int)
		})
		if !ok {
			return nil, fmt.Errorf("%w: element %q has no outputs", mb.ErrConfigInvalid, l.From)
		}
		base.Connect(l.FromPort, p.elements[l.To], l.ToPort)
		if l.FromPort+1 > wired[l.From] {
			wired[l.From] = l.FromPort + 1
		}
	}
	for name, n := range wired {
		if err := element.CheckPorts(p.elements[name], n); err != nil {
			return nil, err
		}
	}

	p.input = p.elements[cfg.Input]

	for i := 0; i < cfg.Workers; i++ {
		ctx := element.NewContext(i, p.clock, p.logger, p.table, p.stats)
		ctx.Handlers = p.handlers
		p.contexts = append(p.contexts, ctx)
		p.queues = append(p.queues, make(chan *mb.Packet, queueDepth))
	}

	// Initialize once per element, with a setup context.
	setup := element.NewContext(-1, p.clock, p.logger, p.table, p.stats)
	setup.Handlers = p.handlers
	for _, ec := range cfg.Elements {
		if err := p.elements[ec.Name].Initialize(setup); err != nil {
			return nil, fmt.Errorf("%s: %w", ec.Name, err)
		}
	}

	return p, nil
}

// Element returns an instance by name.
func (p *Pipeline) Element(name string) (element.Element, bool) {
	e, ok := p.elements[name]
	return e, ok
}

// ElementNames returns the instance names in declaration order.
func (p *Pipeline) ElementNames() []string {
	names := make([]string, 0, len(p.cfg.Elements))
	for _, ec := range p.cfg.Elements {
		names = append(names, ec.Name)
	}
	return names
}

// Table returns the flow table.
func (p *Pipeline) Table() *flow.Table {
	return p.table
}

// Stats returns the shared counters.
func (p *Pipeline) Stats() *mb.Stats {
	return p.stats
}

// Handlers returns the handler registry.
func (p *Pipeline) Handlers() *element.Handlers {
	return p.handlers
}

// Workers returns the worker count.
func (p *Pipeline) Workers() int {
	return len(p.contexts)
}

// workerFor steers a packet: both directions of a connection hash to the
// same worker, so one worker processes all of a connection's packets.
// Per-flow state is still guarded by the FCB mutex, which TCPIn and TCPOut
// take.
func (p *Pipeline) workerFor(pkt *mb.Packet) int {
	id, err := pkt.FlowID()
	if err != nil {
		return 0
	}
	return int(id.Hash(p.seed) % uint32(len(p.queues)))
}

// Inject queues one packet into the graph. It drops when the owning
// worker's queue is full, the backpressure a NIC ring would apply.
func (p *Pipeline) Inject(pkt *mb.Packet) {
	w := p.workerFor(pkt)
	select {
	case p.queues[w] <- pkt:
	default:
		p.stats.PacketsDroppedNoResources.Increment()
	}
}

// InjectOn queues a packet directly to a worker, for callers that have
// already partitioned traffic.
func (p *Pipeline) InjectOn(worker int, pkt *mb.Packet) {
	select {
	case p.queues[worker] <- pkt:
	default:
		p.stats.PacketsDroppedNoResources.Increment()
	}
}

// Close stops accepting packets. Run returns once queued packets drain.
func (p *Pipeline) Close() {
	for _, q := range p.queues {
		close(q)
	}
}

// Run processes queued packets until Close, one goroutine per worker, and
// sweeps the flow table on a timer. The context cancels the sweep only;
// packet draining is bounded by Close.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group

	reapDone := make(chan struct{})
	defer close(reapDone)
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapDone:
				return
			case <-ticker.C:
				if n := p.table.Reap(); n > 0 {
					p.logger.Debug("reaped flows", "count", n)
				}
			}
		}
	}()

	for i := range p.contexts {
		wctx := p.contexts[i]
		queue := p.queues[i]
		g.Go(func() error {
			for pkt := range queue {
				wctx.Flow = nil
				p.input.Push(wctx, 0, pkt)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
